package domain

import "time"

type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Terminal reports whether a status may no longer change. Delivery receipts
// against a terminal message are rejected, never applied.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type ConsentState string

const (
	ConsentOptedIn  ConsentState = "opted_in"
	ConsentOptedOut ConsentState = "opted_out"
	ConsentUnknown  ConsentState = "unknown"
)

type CodeStatus string

const (
	CodeAvailable CodeStatus = "available"
	CodeReserved  CodeStatus = "reserved"
	CodeUsed      CodeStatus = "used"
	CodeExpired   CodeStatus = "expired"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientSkipped RecipientStatus = "skipped"
	RecipientFailed  RecipientStatus = "failed"
)

// SkipReasonNoConsent is the only gating reason the batch sender records;
// a missing contact and an opted-out contact look the same to the operator.
const SkipReasonNoConsent = "no_consent"

type Event struct {
	ID          string
	ShopID      string
	Topic       string
	ObjectID    string
	DedupeKey   string
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}

// DedupeKey builds the uniqueness key that collapses webhook redeliveries.
func DedupeKey(shopID, topic, objectID string) string {
	return shopID + ":" + topic + ":" + objectID
}

type Contact struct {
	ID       string
	ShopID   string
	Phone    string
	Consent  ConsentState
	OptedOut bool
}

// CanMessage is the consent gate: nothing is sent to a contact who is not
// explicitly opted in.
func (c Contact) CanMessage() bool {
	return !c.OptedOut && c.Consent == ConsentOptedIn
}

type Reservation struct {
	ID         string
	PoolID     string
	CampaignID string
	Quantity   int
	Status     ReservationStatus
	ExpiresAt  time.Time
}
