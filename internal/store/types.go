package store

import (
	"time"

	"smscast/internal/domain"
)

// Contact is the domain record as stored; the alias keeps the consent gate
// (CanMessage) on the one definition.
type Contact = domain.Contact

type EventInsert struct {
	ID        string
	ShopID    string
	Topic     string
	ObjectID  string
	DedupeKey string
	Payload   []byte
	Now       time.Time
}

type Message struct {
	ID            string
	ShopID        string
	ContactID     string
	CampaignID    string
	AutomationID  string
	Body          string
	Provider      string
	Status        string
	ProviderMsgID string
	ErrorCode     string
	ErrorMessage  string
	SentAt        *time.Time
	DeliveredAt   *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MessageInsert struct {
	ID           string
	ShopID       string
	ContactID    string
	CampaignID   string
	AutomationID string
	ToPhone      string
	Body         string
	Provider     string
	IdemKey      string
	Meta         map[string]string
	Status       string
	Now          time.Time
}

type IdempotencyResult struct {
	MessageID string
	Status    string
	Found     bool
}

type MessageSent struct {
	ID            string
	ProviderMsgID string
	Now           time.Time
}

type MessageFailed struct {
	ID           string
	ErrorCode    string
	ErrorMessage string
	Now          time.Time
}

// ReceiptOutcome is what applying a delivery receipt did.
type ReceiptOutcome int

const (
	ReceiptApplied ReceiptOutcome = iota
	ReceiptNotFound
	ReceiptStale // message already terminal; row left unchanged
)

type ReceiptUpdate struct {
	ProviderMsgID string
	Status        string
	ErrorCode     string
	ErrorMessage  string
	Now           time.Time
}

type Campaign struct {
	ID            string
	ShopID        string
	Name          string
	Template      string
	DiscountID    string
	DiscountURL   string
	PoolID        string
	ReservationID string
	UTM           map[string]string
}

type Recipient struct {
	ID         string
	CampaignID string
	ContactID  string
	Status     string
	Reason     string
	MessageID  string
}

type RecipientMark struct {
	ID        string
	Status    string
	Reason    string
	MessageID string
	Now       time.Time
}

type PoolCounts struct {
	PoolID   string
	Total    int
	Reserved int
	Used     int
}

type ReserveRequest struct {
	PoolID        string
	CampaignID    string
	ReservationID string
	Quantity      int
	ExpiresAt     time.Time
	Now           time.Time
}

type ReserveResult struct {
	ReservationID string
	CodeIDs       []string
}

type Code struct {
	ID     string
	PoolID string
	Code   string
	Status string
}

type InboundInsert struct {
	FromPhone  string
	Body       string
	Kind       string
	ReceivedAt time.Time
}
