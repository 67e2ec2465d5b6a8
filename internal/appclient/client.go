// Package appclient is the HTTP client shared by the CLI and the device
// agent. It wraps the daemon's JSON API and implements the dispatcher's
// completion wait.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/heysalad/cash/internal/api"
	"github.com/heysalad/cash/internal/model"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return api.HealthResponse{}, err
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health response: %w", err)
	}
	return resp, nil
}

func (c *Client) ListTerminals(ctx context.Context) (api.TerminalsEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/v1/terminals", nil, nil)
	if err != nil {
		return api.TerminalsEnvelope{}, err
	}
	var env api.TerminalsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.TerminalsEnvelope{}, fmt.Errorf("decode terminals envelope: %w", err)
	}
	return env, nil
}

// Dispatch queues a command for a terminal and returns its id.
func (c *Client) Dispatch(ctx context.Context, req api.DispatchRequest) (api.DispatchResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/terminal/command", nil, req)
	if err != nil {
		return api.DispatchResponse{}, err
	}
	var resp api.DispatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.DispatchResponse{}, fmt.Errorf("decode dispatch response: %w", err)
	}
	return resp, nil
}

// Poll registers the terminal and claims the oldest pending command, if any.
// A nil Command in the response means no work.
func (c *Client) Poll(ctx context.Context, req api.PollRequest) (api.PollResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/terminal/poll", nil, req)
	if err != nil {
		return api.PollResponse{}, err
	}
	var resp api.PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.PollResponse{}, fmt.Errorf("decode poll response: %w", err)
	}
	return resp, nil
}

// Respond records the device's result for a claimed command.
func (c *Client) Respond(ctx context.Context, req api.CommandResponseRequest) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/terminal/response", nil, req)
	return err
}

func (c *Client) CommandStatus(ctx context.Context, commandID string) (api.CommandStatusResponse, error) {
	id := strings.TrimSpace(commandID)
	if id == "" {
		return api.CommandStatusResponse{}, fmt.Errorf("command id is required")
	}
	query := url.Values{}
	query.Set("command_id", id)
	body, err := c.request(ctx, http.MethodGet, "/v1/terminal/response", query, nil)
	if err != nil {
		return api.CommandStatusResponse{}, err
	}
	var resp api.CommandStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.CommandStatusResponse{}, fmt.Errorf("decode command status: %w", err)
	}
	return resp, nil
}

// ListCommands returns a terminal's recent command history, newest first.
// limit <= 0 uses the server default.
func (c *Client) ListCommands(ctx context.Context, terminalID string, limit int) (api.CommandsEnvelope, error) {
	id := strings.TrimSpace(terminalID)
	if id == "" {
		return api.CommandsEnvelope{}, fmt.Errorf("terminal id is required")
	}
	query := url.Values{}
	query.Set("terminal_id", id)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/terminal/commands", query, nil)
	if err != nil {
		return api.CommandsEnvelope{}, err
	}
	var env api.CommandsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.CommandsEnvelope{}, fmt.Errorf("decode commands envelope: %w", err)
	}
	return env, nil
}

func (c *Client) CreatePayment(ctx context.Context, req api.CreatePaymentRequest) (api.PaymentResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/terminal/payments", nil, req)
	if err != nil {
		return api.PaymentResponse{}, err
	}
	var resp api.PaymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.PaymentResponse{}, fmt.Errorf("decode payment response: %w", err)
	}
	return resp, nil
}

func (c *Client) PaymentStatus(ctx context.Context, address string) (api.PaymentStatusResponse, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return api.PaymentStatusResponse{}, fmt.Errorf("wallet address is required")
	}
	query := url.Values{}
	query.Set("address", addr)
	body, err := c.request(ctx, http.MethodGet, "/v1/terminal/payments", query, nil)
	if err != nil {
		return api.PaymentStatusResponse{}, err
	}
	var resp api.PaymentStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.PaymentStatusResponse{}, fmt.Errorf("decode payment status: %w", err)
	}
	return resp, nil
}

// ErrCommandFailed reports that the device processed a command and returned
// a failure. ErrCommandTimeout reports that the device never responded
// within the wait budget; the command may still complete later.
var (
	ErrCommandFailed  = errors.New("command failed")
	ErrCommandTimeout = errors.New("command timeout")
)

type AwaitOptions struct {
	Interval time.Duration
	Attempts int
}

// AwaitCompletion polls a dispatched command until it reaches a terminal
// state or the attempt budget runs out. The default budget is 30 polls at
// 500ms, about 15 seconds of device latency.
func (c *Client) AwaitCompletion(ctx context.Context, commandID string, opts AwaitOptions) (api.CommandStatusResponse, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 30
	}

	var last api.CommandStatusResponse
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepWithContext(ctx, interval); err != nil {
				return last, err
			}
		}
		status, err := c.CommandStatus(ctx, commandID)
		if err != nil {
			var reqErr *RequestError
			if errors.As(err, &reqErr) && reqErr.Retryable() {
				continue
			}
			return last, err
		}
		last = status
		if st := model.CommandStatus(status.Status); st.Terminal() {
			if st == model.CommandFailed {
				return status, fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(string(status.Response)))
			}
			return status, nil
		}
	}
	return last, ErrCommandTimeout
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
