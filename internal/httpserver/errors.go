package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrInvalidSignature = "invalid signature"
	ErrMissingShop      = "missing shop header"
	ErrMissingID        = "missing id"
	ErrNotFound         = "not found"
	ErrDependency       = "dependency error"
)
