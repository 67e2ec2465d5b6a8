package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heysalad/cash/internal/api"
	"github.com/heysalad/cash/internal/config"
	"github.com/heysalad/cash/internal/db"
	"github.com/heysalad/cash/internal/model"
	"github.com/heysalad/cash/internal/payload"
	"github.com/heysalad/cash/internal/payments"
)

// Server is the coordination daemon: it owns the command store and exposes
// the dispatch / device-poll / response / status / listing / payment API.
type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	store       *db.Store
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		store: store,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if store != nil {
		mux.HandleFunc("/v1/terminals", s.terminalsHandler)
		mux.HandleFunc("/v1/terminal/command", s.dispatchHandler)
		mux.HandleFunc("/v1/terminal/poll", s.pollHandler)
		mux.HandleFunc("/v1/terminal/response", s.responseHandler)
		mux.HandleFunc("/v1/terminal/commands", s.commandsHandler)
		mux.HandleFunc("/v1/terminal/payments", s.paymentsHandler)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// RunRequeueLoop periodically returns commands stuck in processing to the
// queue. Blocks until ctx is cancelled.
func (s *Server) RunRequeueLoop(ctx context.Context) {
	interval := s.cfg.RequeueInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			cutoff := now.Add(-s.cfg.ProcessingTimeout)
			requeued, failed, err := s.store.RequeueStuckProcessing(ctx, cutoff, s.cfg.MaxDeliveries, now)
			if err != nil && !errors.Is(err, context.Canceled) {
				logErr("requeue stuck commands", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				_, _ = fmt.Fprintf(os.Stderr, "cashd: requeued %d stuck command(s), failed %d exhausted\n", requeued, failed)
			}
		}
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// dispatchHandler creates a command for a terminal (web-client facing).
func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req api.DispatchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	req.CommandType = strings.TrimSpace(req.CommandType)
	if req.TerminalID == "" || req.CommandType == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "terminal_id and command_type are required")
		return
	}

	commandType := model.CommandType(req.CommandType)
	if err := payload.Validate(commandType, req.CommandData); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, err.Error())
		return
	}

	now := time.Now().UTC()
	cmd := model.Command{
		CommandID:   uuid.NewString(),
		TerminalID:  req.TerminalID,
		CommandType: commandType,
		CommandData: string(req.CommandData),
		Status:      model.CommandPending,
		CreatedAt:   now,
	}
	if err := s.store.InsertCommand(r.Context(), cmd); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to create command")
		return
	}

	s.writeJSON(w, http.StatusOK, api.DispatchResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		CommandID:     cmd.CommandID,
	})
}

// pollHandler serves the device loop: refresh the terminal row, then hand
// out the oldest pending command as processing. No pending work is a valid
// zero-result, returned as a null command.
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req api.PollRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "terminal_id is required")
		return
	}

	now := time.Now().UTC()
	if err := s.store.UpsertTerminal(r.Context(), model.Terminal{
		TerminalID: req.TerminalID,
		DeviceInfo: string(req.DeviceInfo),
		LastSeen:   &now,
		UpdatedAt:  now,
	}); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to register terminal")
		return
	}

	cmd, err := s.store.ClaimOldestPending(r.Context(), req.TerminalID, now)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, api.PollResponse{
				SchemaVersion: "v1",
				GeneratedAt:   time.Now().UTC(),
				Command:       nil,
			})
			return
		}
		if errors.Is(err, db.ErrConflict) {
			s.writeError(w, http.StatusConflict, model.ErrClaimConflict, "failed to claim a pending command")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch command")
		return
	}

	s.writeJSON(w, http.StatusOK, api.PollResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Command: &api.CommandItem{
			ID:   cmd.CommandID,
			Type: string(cmd.CommandType),
			Data: json.RawMessage(cmd.CommandData),
		},
	})
}

func (s *Server) responseHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.recordResponse(w, r)
	case http.MethodGet:
		s.commandStatus(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// recordResponse terminates a command with the device's result.
func (s *Server) recordResponse(w http.ResponseWriter, r *http.Request) {
	var req api.CommandResponseRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.CommandID = strings.TrimSpace(req.CommandID)
	if req.CommandID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "command_id is required")
		return
	}

	now := time.Now().UTC()
	err := s.store.ResolveCommand(r.Context(), req.CommandID, req.Success, string(req.Response), now)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "command not found")
			return
		}
		if errors.Is(err, db.ErrConflict) {
			s.writeError(w, http.StatusConflict, model.ErrClaimConflict, "command already reached a terminal state")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to update command")
		return
	}

	s.writeJSON(w, http.StatusOK, api.AckResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Success:       true,
	})
}

// commandStatus serves the web client's completion poll.
func (s *Server) commandStatus(w http.ResponseWriter, r *http.Request) {
	commandID := strings.TrimSpace(r.URL.Query().Get("command_id"))
	if commandID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "command_id is required")
		return
	}

	cmd, err := s.store.GetCommand(r.Context(), commandID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "command not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch command")
		return
	}

	resp := api.CommandStatusResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		CommandID:     cmd.CommandID,
		Status:        string(cmd.Status),
	}
	if cmd.Response != nil {
		resp.Response = json.RawMessage(*cmd.Response)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// commandsHandler lists a terminal's recent command history, newest first.
func (s *Server) commandsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	terminalID := strings.TrimSpace(r.URL.Query().Get("terminal_id"))
	if terminalID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "terminal_id is required")
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	commands, err := s.store.ListCommands(r.Context(), terminalID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch commands")
		return
	}

	items := make([]api.CommandListItem, 0, len(commands))
	for _, cmd := range commands {
		item := api.CommandListItem{
			CommandID:   cmd.CommandID,
			CommandType: string(cmd.CommandType),
			Status:      string(cmd.Status),
			Deliveries:  cmd.Deliveries,
			CreatedAt:   cmd.CreatedAt.Format(time.RFC3339Nano),
		}
		if cmd.Response != nil {
			item.Response = json.RawMessage(*cmd.Response)
		}
		if cmd.ProcessedAt != nil {
			v := cmd.ProcessedAt.Format(time.RFC3339Nano)
			item.ProcessedAt = &v
		}
		items = append(items, item)
	}

	s.writeJSON(w, http.StatusOK, api.CommandsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		TerminalID:    terminalID,
		Commands:      items,
	})
}

// terminalsHandler lists terminals with the read-time derived online flag.
func (s *Server) terminalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	terminals, err := s.store.ListTerminals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch terminals")
		return
	}

	now := time.Now().UTC()
	items := make([]api.TerminalItem, 0, len(terminals))
	for _, t := range terminals {
		status := model.TerminalOffline
		if t.Online(now, s.cfg.FreshnessWindow) {
			status = model.TerminalOnline
		}
		item := api.TerminalItem{
			TerminalID: t.TerminalID,
			MerchantID: t.MerchantID,
			Label:      t.Label,
			DeviceInfo: json.RawMessage(t.DeviceInfo),
			Status:     string(status),
			UpdatedAt:  t.UpdatedAt.Format(time.RFC3339Nano),
		}
		if t.LastSeen != nil {
			v := t.LastSeen.Format(time.RFC3339Nano)
			item.LastSeen = &v
		}
		items = append(items, item)
	}

	s.writeJSON(w, http.StatusOK, api.TerminalsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   now,
		Terminals:     items,
	})
}

func (s *Server) paymentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createPayment(w, r)
	case http.MethodGet:
		s.paymentStatus(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// createPayment opens a payment session against the merchant wallet bound
// to the terminal's merchant on the requested chain.
func (s *Server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePaymentRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "terminal_id is required")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USDC"
	}
	if currency != "USDC" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "only USDC payments are supported")
		return
	}

	chain, err := payments.ChainByName(req.Chain)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	units, err := payments.ParseUSDC(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}

	terminal, err := s.store.GetTerminal(r.Context(), req.TerminalID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "terminal not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch terminal")
		return
	}

	wallet, err := s.store.GetMerchantWallet(r.Context(), terminal.MerchantID, chain.Name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "merchant wallet not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch merchant wallet")
		return
	}
	address, err := payments.NormalizeAddress(wallet.WalletAddress)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "merchant wallet address is invalid")
		return
	}

	amount := payments.FormatUSDC(units)
	session := model.PaymentSession{
		PaymentID:     payments.NewPaymentID(),
		TerminalID:    terminal.TerminalID,
		MerchantID:    terminal.MerchantID,
		WalletAddress: address.Hex(),
		Chain:         chain.Name,
		Amount:        amount,
		Currency:      currency,
		Status:        model.PaymentPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertPayment(r.Context(), session); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to create payment")
		return
	}

	s.writeJSON(w, http.StatusOK, api.PaymentResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PaymentID:     session.PaymentID,
		Address:       address.Hex(),
		Amount:        amount,
		Currency:      currency,
		Chain:         chain.Name,
		Status:        string(session.Status),
		PaymentURI:    payments.TransferURI(chain, address, units),
	})
}

// paymentStatus returns the latest session for a merchant wallet address.
// An unknown address is a 200 with status "not_found", matching the
// device-facing contract.
func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "address is required")
		return
	}

	session, err := s.store.LatestPaymentByAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, api.PaymentStatusResponse{
				SchemaVersion: "v1",
				GeneratedAt:   time.Now().UTC(),
				Status:        "not_found",
				Message:       "payment not found",
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrStoreUnavailable, "failed to fetch payment")
		return
	}

	resp := api.PaymentStatusResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PaymentID:     session.PaymentID,
		Status:        string(session.Status),
		Amount:        session.Amount,
		Currency:      session.Currency,
	}
	createdAt := session.CreatedAt.Format(time.RFC3339Nano)
	resp.CreatedAt = &createdAt
	if session.CompletedAt != nil {
		v := session.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cashd: %s: %v\n", scope, err)
}
