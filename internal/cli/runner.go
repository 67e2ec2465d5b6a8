// Package cli implements the operator command line: list terminals,
// dispatch display commands, and create payment sessions, waiting for the
// device to confirm each command.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/heysalad/cash/internal/api"
	"github.com/heysalad/cash/internal/appclient"
	"github.com/heysalad/cash/internal/config"
	"github.com/heysalad/cash/internal/model"
	"github.com/heysalad/cash/internal/payload"
)

type Runner struct {
	client *appclient.Client
	cfg    config.Config
	out    io.Writer
	errOut io.Writer
}

func NewRunner(addr string, out, errOut io.Writer) *Runner {
	timeout := config.DefaultConfig().RequestTimeout
	return NewRunnerWithClient(appclient.New(addr).WithUnaryTimeout(timeout), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: client,
		cfg:    config.DefaultConfig(),
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	addr, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if addr != "" {
		r.client = appclient.New(addr).WithUnaryTimeout(r.cfg.RequestTimeout)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "terminals":
		return r.runTerminals(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	case "qr":
		return r.runQR(ctx, rest[1:])
	case "message":
		return r.runMessage(ctx, rest[1:])
	case "idle":
		return r.runIdle(ctx, rest[1:])
	case "payment":
		return r.runPayment(ctx, rest[1:])
	case "status":
		return r.runStatus(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	addr := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--addr" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--addr requires value")
			}
			addr = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return addr, rest, nil
}

func (r *Runner) runTerminals(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("terminals", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	env, err := r.client.ListTerminals(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, t := range env.Terminals {
		lastSeen := "never"
		if t.LastSeen != nil {
			lastSeen = *t.LastSeen
		}
		label := t.Label
		if label == "" {
			label = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", t.TerminalID, t.Status, label, lastSeen)
	}
	return 0
}

// runSend dispatches an arbitrary known command type with a raw JSON payload.
func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	terminal := fs.String("terminal", "", "terminal id")
	commandType := fs.String("type", "", "command type ("+strings.Join(payload.KnownTypes(), ", ")+")")
	data := fs.String("data", "{}", "command payload JSON")
	noWait := fs.Bool("no-wait", false, "do not wait for the device response")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*terminal) == "" || strings.TrimSpace(*commandType) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: cash send --terminal <id> --type <command_type> [--data <json>] [--no-wait]")
		return 2
	}
	if !payload.Known(model.CommandType(strings.TrimSpace(*commandType))) {
		_, _ = fmt.Fprintf(r.errOut, "unknown command type %q (known: %s)\n", *commandType, strings.Join(payload.KnownTypes(), ", "))
		return 2
	}
	return r.dispatch(ctx, api.DispatchRequest{
		TerminalID:  strings.TrimSpace(*terminal),
		CommandType: strings.TrimSpace(*commandType),
		CommandData: json.RawMessage(*data),
	}, !*noWait)
}

func (r *Runner) runQR(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	terminal := fs.String("terminal", "", "terminal id")
	data := fs.String("data", "", "QR content")
	label := fs.String("label", "", "label under the QR")
	noWait := fs.Bool("no-wait", false, "do not wait for the device response")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*terminal) == "" || strings.TrimSpace(*data) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: cash qr --terminal <id> --data <content> [--label <text>] [--no-wait]")
		return 2
	}
	body, err := json.Marshal(map[string]string{"data": *data, "label": *label})
	if err != nil {
		return r.handleErr(err)
	}
	return r.dispatch(ctx, api.DispatchRequest{
		TerminalID:  strings.TrimSpace(*terminal),
		CommandType: string(model.CommandDisplayQR),
		CommandData: body,
	}, !*noWait)
}

func (r *Runner) runMessage(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("message", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	terminal := fs.String("terminal", "", "terminal id")
	text := fs.String("text", "", "message text")
	duration := fs.Duration("duration", 0, "how long the device shows the message")
	noWait := fs.Bool("no-wait", false, "do not wait for the device response")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*terminal) == "" || strings.TrimSpace(*text) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: cash message --terminal <id> --text <text> [--duration 3s] [--no-wait]")
		return 2
	}
	payloadMap := map[string]any{"text": *text}
	if *duration > 0 {
		payloadMap["duration_ms"] = duration.Milliseconds()
	}
	body, err := json.Marshal(payloadMap)
	if err != nil {
		return r.handleErr(err)
	}
	return r.dispatch(ctx, api.DispatchRequest{
		TerminalID:  strings.TrimSpace(*terminal),
		CommandType: string(model.CommandShowMessage),
		CommandData: body,
	}, !*noWait)
}

func (r *Runner) runIdle(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("idle", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	terminal := fs.String("terminal", "", "terminal id")
	noWait := fs.Bool("no-wait", false, "do not wait for the device response")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*terminal) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: cash idle --terminal <id> [--no-wait]")
		return 2
	}
	return r.dispatch(ctx, api.DispatchRequest{
		TerminalID:  strings.TrimSpace(*terminal),
		CommandType: string(model.CommandReturnIdle),
	}, !*noWait)
}

// runPayment creates a payment session and pushes its QR to the terminal.
func (r *Runner) runPayment(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("payment", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	terminal := fs.String("terminal", "", "terminal id")
	amount := fs.String("amount", "", "USDC amount, e.g. 5.50")
	chain := fs.String("chain", "", "settlement chain (default base)")
	noPush := fs.Bool("no-push", false, "create the session without pushing the QR")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*terminal) == "" || strings.TrimSpace(*amount) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: cash payment --terminal <id> --amount <usdc> [--chain base|polygon|arc] [--no-push]")
		return 2
	}

	session, err := r.client.CreatePayment(ctx, api.CreatePaymentRequest{
		TerminalID: strings.TrimSpace(*terminal),
		Amount:     strings.TrimSpace(*amount),
		Chain:      strings.TrimSpace(*chain),
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		if code := r.printJSON(session); code != 0 {
			return code
		}
	} else {
		_, _ = fmt.Fprintf(r.out, "%s\t%s %s\t%s\n", session.PaymentID, session.Amount, session.Currency, session.Address)
	}
	if *noPush {
		return 0
	}

	body, err := json.Marshal(map[string]string{
		"payment_id":  session.PaymentID,
		"address":     session.Address,
		"amount":      session.Amount,
		"currency":    session.Currency,
		"payment_uri": session.PaymentURI,
	})
	if err != nil {
		return r.handleErr(err)
	}
	return r.dispatch(ctx, api.DispatchRequest{
		TerminalID:  strings.TrimSpace(*terminal),
		CommandType: string(model.CommandDisplayPayment),
		CommandData: body,
	}, true)
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	command := fs.String("command", "", "command id")
	address := fs.String("address", "", "merchant wallet address (payment status)")
	terminal := fs.String("terminal", "", "terminal id (command history)")
	limit := fs.Int("limit", 0, "history entries to show")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	switch {
	case strings.TrimSpace(*command) != "":
		status, err := r.client.CommandStatus(ctx, *command)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(status)
		}
		if len(status.Response) > 0 {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\n", status.CommandID, status.Status, status.Response)
		} else {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\n", status.CommandID, status.Status)
		}
		return 0
	case strings.TrimSpace(*address) != "":
		status, err := r.client.PaymentStatus(ctx, *address)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(status)
		}
		if status.PaymentID == "" {
			_, _ = fmt.Fprintf(r.out, "%s\n", status.Status)
		} else {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s %s\n", status.PaymentID, status.Status, status.Amount, status.Currency)
		}
		return 0
	case strings.TrimSpace(*terminal) != "":
		env, err := r.client.ListCommands(ctx, *terminal, *limit)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		for _, c := range env.Commands {
			_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", c.CommandID, c.CommandType, c.Status, c.CreatedAt)
		}
		return 0
	default:
		_, _ = fmt.Fprintln(r.errOut, "usage: cash status --command <id> | --address <wallet> | --terminal <id>")
		return 2
	}
}

// dispatch queues the command and, unless told otherwise, waits for the
// device to process it. Timeout exits distinctly from failure so scripts
// can tell "device never answered" from "device said no".
func (r *Runner) dispatch(ctx context.Context, req api.DispatchRequest, wait bool) int {
	resp, err := r.client.Dispatch(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "%s\n", resp.CommandID)
	if !wait {
		return 0
	}

	status, err := r.client.AwaitCompletion(ctx, resp.CommandID, appclient.AwaitOptions{
		Interval: r.cfg.CompletionPollInterval,
		Attempts: r.cfg.CompletionPollAttempts,
	})
	if err != nil {
		if errors.Is(err, appclient.ErrCommandTimeout) {
			_, _ = fmt.Fprintf(r.errOut, "command %s timed out waiting for the device (last status: %s)\n", resp.CommandID, valueOr(status.Status, "pending"))
			return 3
		}
		if errors.Is(err, appclient.ErrCommandFailed) {
			_, _ = fmt.Fprintf(r.errOut, "command %s failed: %s\n", resp.CommandID, status.Response)
			return 1
		}
		return r.handleErr(err)
	}
	if len(status.Response) > 0 {
		_, _ = fmt.Fprintf(r.out, "completed\t%s\n", status.Response)
	} else {
		_, _ = fmt.Fprintln(r.out, "completed")
	}
	return 0
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", reqErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprint(r.errOut, `usage: cash [--addr host:port] <command>

commands:
  terminals                      list registered terminals
  send      --terminal --type    dispatch a raw command
  qr        --terminal --data    display a QR code
  message   --terminal --text    show a message
  idle      --terminal           return the display to idle
  payment   --terminal --amount  create a payment session and push its QR
  status    --command|--address|--terminal
                                 inspect a command, payment, or history
`)
}
