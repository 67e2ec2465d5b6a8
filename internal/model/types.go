package model

import "time"

// CommandStatus is the persisted lifecycle state of a terminal command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// Terminal reports whether the status is one a device response can no
// longer transition.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

type CommandType string

const (
	CommandDisplayQR      CommandType = "display_qr"
	CommandShowMessage    CommandType = "show_message"
	CommandDisplayPayment CommandType = "display_payment"
	CommandReturnIdle     CommandType = "return_idle"
)

type TerminalStatus string

const (
	TerminalOnline  TerminalStatus = "online"
	TerminalOffline TerminalStatus = "offline"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
)

type Terminal struct {
	TerminalID string
	MerchantID string
	Label      string
	DeviceInfo string
	LastSeen   *time.Time
	UpdatedAt  time.Time
}

// Online derives the liveness flag at read time. A terminal is online iff
// last_seen falls strictly inside the freshness window ending at now.
func (t Terminal) Online(now time.Time, window time.Duration) bool {
	if t.LastSeen == nil {
		return false
	}
	return t.LastSeen.After(now.Add(-window))
}

type Command struct {
	CommandID   string
	TerminalID  string
	CommandType CommandType
	CommandData string
	Status      CommandStatus
	Response    *string
	Deliveries  int64
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

type PaymentSession struct {
	PaymentID     string
	TerminalID    string
	MerchantID    string
	WalletAddress string
	Chain         string
	Amount        string
	Currency      string
	Status        PaymentStatus
	TxHash        *string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type MerchantWallet struct {
	MerchantID    string
	Chain         string
	WalletAddress string
	UpdatedAt     time.Time
}

// Error codes defined by API contract.
const (
	ErrRefInvalid       = "E_REF_INVALID"
	ErrRefNotFound      = "E_REF_NOT_FOUND"
	ErrPayloadInvalid   = "E_PAYLOAD_INVALID"
	ErrClaimConflict    = "E_CLAIM_CONFLICT"
	ErrStoreUnavailable = "E_STORE_UNAVAILABLE"
)
