package api

import (
	"encoding/json"
	"time"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type DispatchRequest struct {
	TerminalID  string          `json:"terminal_id"`
	CommandType string          `json:"command_type"`
	CommandData json.RawMessage `json:"command_data,omitempty"`
}

type DispatchResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	CommandID     string    `json:"command_id"`
}

type PollRequest struct {
	TerminalID string          `json:"terminal_id"`
	DeviceInfo json.RawMessage `json:"device_info,omitempty"`
}

type CommandItem struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type PollResponse struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Command       *CommandItem `json:"command"`
}

type CommandResponseRequest struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type AckResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Success       bool      `json:"success"`
}

type CommandStatusResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	CommandID     string          `json:"command_id"`
	Status        string          `json:"status"`
	Response      json.RawMessage `json:"response,omitempty"`
}

type CommandListItem struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Status      string          `json:"status"`
	Deliveries  int64           `json:"deliveries"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   string          `json:"created_at"`
	ProcessedAt *string         `json:"processed_at,omitempty"`
}

type CommandsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	TerminalID    string            `json:"terminal_id"`
	Commands      []CommandListItem `json:"commands"`
}

type TerminalItem struct {
	TerminalID string          `json:"terminal_id"`
	MerchantID string          `json:"merchant_id,omitempty"`
	Label      string          `json:"label,omitempty"`
	DeviceInfo json.RawMessage `json:"device_info"`
	LastSeen   *string         `json:"last_seen,omitempty"`
	Status     string          `json:"status"`
	UpdatedAt  string          `json:"updated_at"`
}

type TerminalsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Terminals     []TerminalItem `json:"terminals"`
}

type CreatePaymentRequest struct {
	TerminalID string `json:"terminal_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency,omitempty"`
	Chain      string `json:"chain,omitempty"`
}

type PaymentResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PaymentID     string    `json:"payment_id"`
	Address       string    `json:"address"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Chain         string    `json:"chain"`
	Status        string    `json:"status"`
	PaymentURI    string    `json:"payment_uri"`
}

type PaymentStatusResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	CreatedAt     *string   `json:"created_at,omitempty"`
	CompletedAt   *string   `json:"completed_at,omitempty"`
	Message       string    `json:"message,omitempty"`
}
