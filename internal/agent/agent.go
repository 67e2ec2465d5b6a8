// Package agent runs the terminal-side loop: poll the daemon for work,
// drive the display, and report the result back.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/heysalad/cash/internal/api"
	"github.com/heysalad/cash/internal/appclient"
	"github.com/heysalad/cash/internal/model"
)

// Display is the device surface an agent drives. Implementations render on
// whatever hardware the terminal has; errors are reported back to the
// daemon as command failures.
type Display interface {
	ShowQR(data, label string) error
	ShowMessage(text string, duration time.Duration) error
	ShowPayment(p PaymentDetails) error
	Idle() error
}

type PaymentDetails struct {
	PaymentID  string `json:"payment_id"`
	Address    string `json:"address"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	PaymentURI string `json:"payment_uri,omitempty"`
}

type qrPayload struct {
	Data  string `json:"data"`
	Label string `json:"label,omitempty"`
}

type messagePayload struct {
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type Agent struct {
	client     *appclient.Client
	display    Display
	terminalID string
	deviceInfo json.RawMessage
	interval   time.Duration
	logw       io.Writer
}

type Options struct {
	TerminalID   string
	DeviceInfo   json.RawMessage
	PollInterval time.Duration
	LogWriter    io.Writer
}

func New(client *appclient.Client, display Display, opts Options) (*Agent, error) {
	terminalID := strings.TrimSpace(opts.TerminalID)
	if terminalID == "" {
		return nil, fmt.Errorf("terminal id is required")
	}
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if display == nil {
		return nil, fmt.Errorf("display is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logw := opts.LogWriter
	if logw == nil {
		logw = io.Discard
	}
	return &Agent{
		client:     client,
		display:    display,
		terminalID: terminalID,
		deviceInfo: opts.DeviceInfo,
		interval:   interval,
		logw:       logw,
	}, nil
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick; the daemon's requeue loop covers commands lost mid-flight.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.PollOnce(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(a.logw, "poll: %v\n", err) //nolint:errcheck
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce performs a single poll-execute-respond cycle. No pending work is
// not an error.
func (a *Agent) PollOnce(ctx context.Context) error {
	resp, err := a.client.Poll(ctx, api.PollRequest{
		TerminalID: a.terminalID,
		DeviceInfo: a.deviceInfo,
	})
	if err != nil {
		return err
	}
	if resp.Command == nil {
		return nil
	}

	result, execErr := a.execute(resp.Command)
	response := api.CommandResponseRequest{
		CommandID: resp.Command.ID,
		Success:   execErr == nil,
		Response:  result,
	}
	if execErr != nil {
		fmt.Fprintf(a.logw, "command %s: %v\n", resp.Command.ID, execErr) //nolint:errcheck
		payload, _ := json.Marshal(map[string]string{"error": execErr.Error()})
		response.Response = payload
	}
	if err := a.client.Respond(ctx, response); err != nil {
		return fmt.Errorf("report result for %s: %w", resp.Command.ID, err)
	}
	return nil
}

func (a *Agent) execute(cmd *api.CommandItem) (json.RawMessage, error) {
	switch model.CommandType(cmd.Type) {
	case model.CommandDisplayQR:
		var p qrPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode display_qr payload: %w", err)
		}
		if err := a.display.ShowQR(p.Data, p.Label); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"displayed":true}`), nil

	case model.CommandShowMessage:
		var p messagePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode show_message payload: %w", err)
		}
		if err := a.display.ShowMessage(p.Text, time.Duration(p.DurationMS)*time.Millisecond); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"displayed":true}`), nil

	case model.CommandDisplayPayment:
		var p PaymentDetails
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode display_payment payload: %w", err)
		}
		if err := a.display.ShowPayment(p); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"displayed":true}`), nil

	case model.CommandReturnIdle:
		if err := a.display.Idle(); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"idle":true}`), nil

	default:
		return nil, fmt.Errorf("unsupported command type %q", cmd.Type)
	}
}

// ConsoleDisplay renders commands as text on a writer. It stands in for
// real terminal hardware during development and in headless deployments.
type ConsoleDisplay struct {
	W io.Writer
}

func (d ConsoleDisplay) ShowQR(data, label string) error {
	if label != "" {
		_, err := fmt.Fprintf(d.W, "[QR] %s (%s)\n", data, label)
		return err
	}
	_, err := fmt.Fprintf(d.W, "[QR] %s\n", data)
	return err
}

func (d ConsoleDisplay) ShowMessage(text string, duration time.Duration) error {
	if duration > 0 {
		_, err := fmt.Fprintf(d.W, "[MSG] %s (%s)\n", text, duration)
		return err
	}
	_, err := fmt.Fprintf(d.W, "[MSG] %s\n", text)
	return err
}

func (d ConsoleDisplay) ShowPayment(p PaymentDetails) error {
	uri := p.PaymentURI
	if uri == "" {
		uri = p.Address
	}
	_, err := fmt.Fprintf(d.W, "[PAY] %s %s %s -> %s\n", p.PaymentID, p.Amount, p.Currency, uri)
	return err
}

func (d ConsoleDisplay) Idle() error {
	_, err := fmt.Fprintln(d.W, "[IDLE]")
	return err
}
