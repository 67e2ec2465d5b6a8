package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heysalad/cash/internal/api"
	"github.com/heysalad/cash/internal/config"
	"github.com/heysalad/cash/internal/db"
	"github.com/heysalad/cash/internal/model"
)

type testServer struct {
	baseURL string
	store   *db.Store
	cfg     config.Config
}

func startServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(tmp, "cash.db")
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		cancel()
		t.Fatalf("open store: %v", err)
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		cancel()
		t.Fatalf("apply migrations: %v", err)
	}

	srv := NewServer(cfg, store)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == "" {
		select {
		case err := <-errCh:
			cancel()
			t.Fatalf("server exited before listening: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timeout waiting for listener")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
		store.Close() //nolint:errcheck
	})

	return &testServer{
		baseURL: "http://" + srv.Addr(),
		store:   store,
		cfg:     cfg,
	}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.baseURL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts := startServer(t, nil)

	var payload api.HealthResponse
	if code := ts.getJSON(t, "/v1/health", &payload); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDispatchPollRespondRoundTrip(t *testing.T) {
	ts := startServer(t, nil)

	var dispatched api.DispatchResponse
	code := ts.postJSON(t, "/v1/terminal/command", api.DispatchRequest{
		TerminalID:  "T-100",
		CommandType: "display_qr",
		CommandData: json.RawMessage(`{"data":"ethereum:0x1234@8453","label":"$5.00"}`),
	}, &dispatched)
	if code != http.StatusOK {
		t.Fatalf("dispatch: expected 200, got %d", code)
	}
	if dispatched.CommandID == "" {
		t.Fatalf("expected a command id")
	}

	var status api.CommandStatusResponse
	if code := ts.getJSON(t, "/v1/terminal/response?command_id="+dispatched.CommandID, &status); code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", code)
	}
	if status.Status != "pending" {
		t.Fatalf("expected pending before poll, got %q", status.Status)
	}

	var polled api.PollResponse
	code = ts.postJSON(t, "/v1/terminal/poll", api.PollRequest{
		TerminalID: "T-100",
		DeviceInfo: json.RawMessage(`{"model":"pi-zero"}`),
	}, &polled)
	if code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d", code)
	}
	if polled.Command == nil {
		t.Fatalf("expected a claimed command")
	}
	if polled.Command.ID != dispatched.CommandID || polled.Command.Type != "display_qr" {
		t.Fatalf("unexpected command: %+v", polled.Command)
	}
	var data map[string]any
	if err := json.Unmarshal(polled.Command.Data, &data); err != nil {
		t.Fatalf("command data should be a JSON object: %v", err)
	}
	if data["label"] != "$5.00" {
		t.Fatalf("unexpected command data: %v", data)
	}

	if code := ts.getJSON(t, "/v1/terminal/response?command_id="+dispatched.CommandID, &status); code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", code)
	}
	if status.Status != "processing" {
		t.Fatalf("expected processing after poll, got %q", status.Status)
	}

	var ack api.AckResponse
	code = ts.postJSON(t, "/v1/terminal/response", api.CommandResponseRequest{
		CommandID: dispatched.CommandID,
		Success:   true,
		Response:  json.RawMessage(`{"displayed":true}`),
	}, &ack)
	if code != http.StatusOK {
		t.Fatalf("respond: expected 200, got %d", code)
	}
	if !ack.Success {
		t.Fatalf("expected ack")
	}

	if code := ts.getJSON(t, "/v1/terminal/response?command_id="+dispatched.CommandID, &status); code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", code)
	}
	if status.Status != "completed" {
		t.Fatalf("expected completed, got %q", status.Status)
	}
	if !strings.Contains(string(status.Response), "displayed") {
		t.Fatalf("expected device response to round trip, got %s", status.Response)
	}
}

func TestPollWithoutWorkReturnsNullCommand(t *testing.T) {
	ts := startServer(t, nil)

	for i := 0; i < 2; i++ {
		var polled api.PollResponse
		code := ts.postJSON(t, "/v1/terminal/poll", api.PollRequest{TerminalID: "T-idle"}, &polled)
		if code != http.StatusOK {
			t.Fatalf("poll %d: expected 200, got %d", i, code)
		}
		if polled.Command != nil {
			t.Fatalf("poll %d: expected null command, got %+v", i, polled.Command)
		}
	}

	var terminals api.TerminalsEnvelope
	if code := ts.getJSON(t, "/v1/terminals", &terminals); code != http.StatusOK {
		t.Fatalf("terminals: expected 200, got %d", code)
	}
	if len(terminals.Terminals) != 1 || terminals.Terminals[0].TerminalID != "T-idle" {
		t.Fatalf("expected poll to register the terminal, got %+v", terminals.Terminals)
	}
	if terminals.Terminals[0].Status != "online" {
		t.Fatalf("just-polled terminal should be online, got %q", terminals.Terminals[0].Status)
	}
}

func TestFailedResponseMarksCommandFailed(t *testing.T) {
	ts := startServer(t, nil)

	var dispatched api.DispatchResponse
	ts.postJSON(t, "/v1/terminal/command", api.DispatchRequest{
		TerminalID:  "T-1",
		CommandType: "show_message",
		CommandData: json.RawMessage(`{"text":"hello"}`),
	}, &dispatched)

	var polled api.PollResponse
	ts.postJSON(t, "/v1/terminal/poll", api.PollRequest{TerminalID: "T-1"}, &polled)
	if polled.Command == nil {
		t.Fatalf("expected a claimed command")
	}

	code := ts.postJSON(t, "/v1/terminal/response", api.CommandResponseRequest{
		CommandID: dispatched.CommandID,
		Success:   false,
		Response:  json.RawMessage(`{"error":"display unavailable"}`),
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("respond: expected 200, got %d", code)
	}

	var status api.CommandStatusResponse
	ts.getJSON(t, "/v1/terminal/response?command_id="+dispatched.CommandID, &status)
	if status.Status != "failed" {
		t.Fatalf("expected failed, got %q", status.Status)
	}
}

func TestRespondToTerminalCommandConflicts(t *testing.T) {
	ts := startServer(t, nil)

	var dispatched api.DispatchResponse
	ts.postJSON(t, "/v1/terminal/command", api.DispatchRequest{
		TerminalID:  "T-1",
		CommandType: "return_idle",
	}, &dispatched)

	first := ts.postJSON(t, "/v1/terminal/response", api.CommandResponseRequest{
		CommandID: dispatched.CommandID,
		Success:   true,
	}, nil)
	if first != http.StatusOK {
		t.Fatalf("first respond: expected 200, got %d", first)
	}

	var errResp api.ErrorResponse
	second := ts.postJSON(t, "/v1/terminal/response", api.CommandResponseRequest{
		CommandID: dispatched.CommandID,
		Success:   false,
	}, &errResp)
	if second != http.StatusConflict {
		t.Fatalf("second respond: expected 409, got %d", second)
	}
	if errResp.Error.Code != model.ErrClaimConflict {
		t.Fatalf("unexpected error code: %+v", errResp.Error)
	}
}

func TestDispatchRejectsBadPayloads(t *testing.T) {
	ts := startServer(t, nil)

	cases := []struct {
		name string
		req  api.DispatchRequest
		code string
	}{
		{"missing terminal", api.DispatchRequest{CommandType: "return_idle"}, model.ErrRefInvalid},
		{"unknown type", api.DispatchRequest{TerminalID: "T-1", CommandType: "reboot"}, model.ErrPayloadInvalid},
		{"missing required field", api.DispatchRequest{TerminalID: "T-1", CommandType: "display_qr", CommandData: json.RawMessage(`{}`)}, model.ErrPayloadInvalid},
		{"extra field", api.DispatchRequest{TerminalID: "T-1", CommandType: "return_idle", CommandData: json.RawMessage(`{"boom":1}`)}, model.ErrPayloadInvalid},
	}
	for _, tc := range cases {
		var errResp api.ErrorResponse
		code := ts.postJSON(t, "/v1/terminal/command", tc.req, &errResp)
		if code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, code)
		}
		if errResp.Error.Code != tc.code {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.code, errResp.Error)
		}
	}
}

func TestCommandsListing(t *testing.T) {
	ts := startServer(t, nil)

	var first, second api.DispatchResponse
	ts.postJSON(t, "/v1/terminal/command", api.DispatchRequest{
		TerminalID:  "T-1",
		CommandType: "show_message",
		CommandData: json.RawMessage(`{"text":"first"}`),
	}, &first)
	ts.postJSON(t, "/v1/terminal/command", api.DispatchRequest{
		TerminalID:  "T-1",
		CommandType: "return_idle",
	}, &second)

	var polled api.PollResponse
	ts.postJSON(t, "/v1/terminal/poll", api.PollRequest{TerminalID: "T-1"}, &polled)
	if polled.Command == nil || polled.Command.ID != first.CommandID {
		t.Fatalf("expected the oldest command claimed, got %+v", polled.Command)
	}
	ts.postJSON(t, "/v1/terminal/response", api.CommandResponseRequest{
		CommandID: first.CommandID,
		Success:   true,
		Response:  json.RawMessage(`{"displayed":true}`),
	}, nil)

	var env api.CommandsEnvelope
	if code := ts.getJSON(t, "/v1/terminal/commands?terminal_id=T-1", &env); code != http.StatusOK {
		t.Fatalf("commands: expected 200, got %d", code)
	}
	if env.TerminalID != "T-1" || len(env.Commands) != 2 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Commands[0].CommandID != second.CommandID || env.Commands[0].Status != "pending" {
		t.Fatalf("expected the newest command first: %+v", env.Commands[0])
	}
	if env.Commands[1].CommandID != first.CommandID || env.Commands[1].Status != "completed" {
		t.Fatalf("expected the completed command second: %+v", env.Commands[1])
	}
	if env.Commands[1].ProcessedAt == nil || !strings.Contains(string(env.Commands[1].Response), "displayed") {
		t.Fatalf("expected processed_at and response on the completed entry: %+v", env.Commands[1])
	}

	if code := ts.getJSON(t, "/v1/terminal/commands?terminal_id=T-1&limit=1", &env); code != http.StatusOK {
		t.Fatalf("limited commands: expected 200, got %d", code)
	}
	if len(env.Commands) != 1 || env.Commands[0].CommandID != second.CommandID {
		t.Fatalf("unexpected limited listing: %+v", env.Commands)
	}

	var errResp api.ErrorResponse
	if code := ts.getJSON(t, "/v1/terminal/commands", &errResp); code != http.StatusBadRequest {
		t.Fatalf("missing terminal_id: expected 400, got %d", code)
	}
	if code := ts.getJSON(t, "/v1/terminal/commands?terminal_id=T-1&limit=zero", &errResp); code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", code)
	}
}

func TestCommandStatusUnknownID(t *testing.T) {
	ts := startServer(t, nil)

	var errResp api.ErrorResponse
	code := ts.getJSON(t, "/v1/terminal/response?command_id=missing", &errResp)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if errResp.Error.Code != model.ErrRefNotFound {
		t.Fatalf("unexpected error code: %+v", errResp.Error)
	}
}

func TestTerminalFreshnessBoundary(t *testing.T) {
	ts := startServer(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := now.Add(-ts.cfg.FreshnessWindow + time.Second)
	stale := now.Add(-ts.cfg.FreshnessWindow - time.Second)
	if err := ts.store.UpsertTerminal(ctx, model.Terminal{TerminalID: "T-fresh", LastSeen: &fresh, UpdatedAt: now}); err != nil {
		t.Fatalf("seed fresh terminal: %v", err)
	}
	if err := ts.store.UpsertTerminal(ctx, model.Terminal{TerminalID: "T-stale", LastSeen: &stale, UpdatedAt: now}); err != nil {
		t.Fatalf("seed stale terminal: %v", err)
	}
	if err := ts.store.UpsertTerminal(ctx, model.Terminal{TerminalID: "T-never", UpdatedAt: now}); err != nil {
		t.Fatalf("seed unseen terminal: %v", err)
	}

	var terminals api.TerminalsEnvelope
	if code := ts.getJSON(t, "/v1/terminals", &terminals); code != http.StatusOK {
		t.Fatalf("terminals: expected 200, got %d", code)
	}
	byID := map[string]string{}
	for _, item := range terminals.Terminals {
		byID[item.TerminalID] = item.Status
	}
	if byID["T-fresh"] != "online" {
		t.Fatalf("terminal seen inside the window should be online: %v", byID)
	}
	if byID["T-stale"] != "offline" {
		t.Fatalf("terminal seen outside the window should be offline: %v", byID)
	}
	if byID["T-never"] != "offline" {
		t.Fatalf("terminal never seen should be offline: %v", byID)
	}
}

func TestPaymentCreateAndStatus(t *testing.T) {
	ts := startServer(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := ts.store.UpsertTerminal(ctx, model.Terminal{
		TerminalID: "T-pay",
		MerchantID: "M-1",
		LastSeen:   &now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}
	if err := ts.store.UpsertMerchantWallet(ctx, model.MerchantWallet{
		MerchantID:    "M-1",
		Chain:         "base",
		WalletAddress: "0x1111111111111111111111111111111111111111",
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	var created api.PaymentResponse
	code := ts.postJSON(t, "/v1/terminal/payments", api.CreatePaymentRequest{
		TerminalID: "T-pay",
		Amount:     "5.50",
		Chain:      "base",
	}, &created)
	if code != http.StatusOK {
		t.Fatalf("create payment: expected 200, got %d", code)
	}
	if !strings.HasPrefix(created.PaymentID, "PAY_") {
		t.Fatalf("unexpected payment id: %q", created.PaymentID)
	}
	if created.Amount != "5.5" || created.Currency != "USDC" || created.Status != "pending" {
		t.Fatalf("unexpected payment: %+v", created)
	}
	if !strings.Contains(created.PaymentURI, "@8453/transfer?address=") {
		t.Fatalf("expected an ERC-20 transfer URI, got %q", created.PaymentURI)
	}

	var statusResp api.PaymentStatusResponse
	path := fmt.Sprintf("/v1/terminal/payments?address=%s", created.Address)
	if code := ts.getJSON(t, path, &statusResp); code != http.StatusOK {
		t.Fatalf("payment status: expected 200, got %d", code)
	}
	if statusResp.PaymentID != created.PaymentID || statusResp.Status != "pending" {
		t.Fatalf("unexpected payment status: %+v", statusResp)
	}

	if code := ts.getJSON(t, "/v1/terminal/payments?address=0x2222222222222222222222222222222222222222", &statusResp); code != http.StatusOK {
		t.Fatalf("unknown address: expected 200, got %d", code)
	}
	if statusResp.Status != "not_found" {
		t.Fatalf("unknown address should report not_found, got %+v", statusResp)
	}
}

func TestPaymentCreateValidation(t *testing.T) {
	ts := startServer(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := ts.store.UpsertTerminal(ctx, model.Terminal{TerminalID: "T-pay", MerchantID: "M-1", LastSeen: &now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}

	cases := []struct {
		name string
		req  api.CreatePaymentRequest
		want int
	}{
		{"unknown terminal", api.CreatePaymentRequest{TerminalID: "T-nope", Amount: "5"}, http.StatusNotFound},
		{"bad amount", api.CreatePaymentRequest{TerminalID: "T-pay", Amount: "-5"}, http.StatusBadRequest},
		{"bad chain", api.CreatePaymentRequest{TerminalID: "T-pay", Amount: "5", Chain: "solana"}, http.StatusBadRequest},
		{"bad currency", api.CreatePaymentRequest{TerminalID: "T-pay", Amount: "5", Currency: "EUR"}, http.StatusBadRequest},
		{"no wallet", api.CreatePaymentRequest{TerminalID: "T-pay", Amount: "5", Chain: "polygon"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		code := ts.postJSON(t, "/v1/terminal/payments", tc.req, nil)
		if code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := startServer(t, nil)

	resp, err := http.Get(ts.baseURL + "/v1/terminal/command")
	if err != nil {
		t.Fatalf("get command endpoint: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "POST" {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}
