package storage

import "time"

// User is the credit-holding entity bound to a MAC address.
type User struct {
	UserID           string
	MAC              string // normalized lowercase
	ClientID         string // opaque persistent cookie value, may be empty
	IP               string // empty when unknown
	UserCode         string // "CJ-XXXXXX", unique across active records
	CreditSeconds    int64
	TotalSecondsEver int64
	RateDownKbps     int
	RateUpKbps       int
	Paused           bool
	Connected        bool
	LastTrafficAt    time.Time
	LastSeenAt       time.Time
	SessionExpiryAt  *time.Time
}

// Source is a coin origin: the local slot or a remote sub-device.
type Source struct {
	ID                   string // "hardware" for local, sub-device id for remote
	DisplayName          string
	Local                bool
	LastActiveAt         time.Time
	PulseValuePesos      int // pesos per pulse, 1..100, default 1
	RateDownKbpsOverride int // 0 = no override
	RateUpKbpsOverride   int // 0 = no override
	VisibleRateIDs       []string // empty = full table visible
}

// Online reports whether the source has heartbeat within the liveness window.
func (s Source) Online(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActiveAt) < window
}

// Rate is a line in the price table.
type Rate struct {
	ID           string
	AmountPesos  int
	Minutes      int
	RateUpKbps   int
	RateDownKbps int
}

// Sale is an append-only ledger entry for a committed coin or voucher credit.
type Sale struct {
	ID        string
	Timestamp time.Time
	Amount    int
	MAC       string
	Source    string
}

// FailureRecord tracks consecutive failed redeem/start attempts for a MAC.
type FailureRecord struct {
	MAC         string
	Count       int
	BannedUntil *time.Time
}

// OperatorEvent is a queued notification of a Sale or User-lifecycle
// transition destined for an operator-configured webhook. Best-effort;
// never gates a core invariant.
type OperatorEvent struct {
	ID            string
	Kind          string // "sale", "user_expired", "user_paused", "source_offline"
	Payload       map[string]interface{}
	CreatedAt     time.Time
	Status        EventStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

// EventStatus is the delivery state of an OperatorEvent.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDelivered  EventStatus = "delivered"
	EventDeadLetter EventStatus = "dead_letter"
)
