package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/streamdesk/internal/client"
	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/stream"
	"github.com/basket/streamdesk/internal/telemetry"
	"github.com/basket/streamdesk/internal/tui"
)

// clientFlags are shared by every command that talks to a running daemon.
type clientFlags struct {
	addr string
	user string
	key  string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	fs.StringVar(&cf.addr, "addr", "", "daemon address or URL (default: bind_addr from config.yaml)")
	fs.StringVar(&cf.user, "user", "", "user id to act as")
	fs.StringVar(&cf.key, "key", os.Getenv("STREAMDESK_API_KEY"), "API key when auth is enabled")
	return cf
}

func (cf *clientFlags) client(logger *slog.Logger) (*client.Client, error) {
	addr := cf.addr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		addr = cfg.BindAddr
	}
	return client.New(client.Options{
		BaseURL: baseURL(addr),
		UserID:  cf.user,
		APIKey:  cf.key,
		Logger:  logger,
	})
}

// baseURL turns a bind address into something a client can dial.
// Wildcard hosts become loopback.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func cliLogger(w io.Writer) *slog.Logger {
	return slog.New(telemetry.NewHandler(w, "error"))
}

// connect starts the websocket loop and waits for the first connection.
// The returned stop func ends the loop.
func connect(ctx context.Context, c *client.Client) (func(), error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	stop := func() {
		cancel()
		<-done
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		stop()
		return nil, fmt.Errorf("websocket not connected: %w", err)
	}
	return stop, nil
}

func runSendCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	button := fs.Int("button", 1, "prompt button number")
	role := fs.Int("role", 1, "role number")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(stderr, "usage: streamdesk send [-button N] [-role N] <text...>")
		return 2
	}

	c, err := cf.client(cliLogger(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	stop, err := connect(ctx, c)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	defer stop()

	id, err := submit(ctx, c, text, *button, *role)
	if err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	return printStream(ctx, c, id, stdout, stderr)
}

// submit retries briefly while the daemon finishes registering the socket
// that was just opened.
func submit(ctx context.Context, c *client.Client, text string, button, role int) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := c.Submit(ctx, text, button, role)
		if !errors.Is(err, client.ErrNoConnection) || attempt == 10 {
			return id, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// printStream writes the chunks of requestID to stdout until a terminal
// event. Cancelling ctx sends a cancel for the request.
func printStream(ctx context.Context, c *client.Client, requestID string, stdout, stderr io.Writer) int {
	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := c.Cancel(cctx, requestID)
			cancel()
			if err != nil && !errors.Is(err, client.ErrNotFound) {
				fmt.Fprintf(stderr, "\ncancel: %v\n", err)
				return 1
			}
			fmt.Fprintln(stderr, "\ncancelled")
			return 130
		case ev, ok := <-c.Events():
			if !ok {
				fmt.Fprintln(stderr, "\nconnection closed")
				return 1
			}
			if ev.RequestID != requestID {
				continue
			}
			switch ev.Type {
			case stream.TypeChunk:
				fmt.Fprint(stdout, ev.Content)
			case stream.TypeDone:
				fmt.Fprintln(stdout)
				return 0
			case stream.TypeError:
				fmt.Fprintf(stderr, "\nerror: %s\n", ev.Message)
				return 1
			}
		}
	}
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: streamdesk status [-addr ADDR]")
		return 2
	}
	c, err := cf.client(cliLogger(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	h, err := c.Health(reqCtx)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "status:          %s\nconnections:     %d\nactive requests: %d\nin flight:       %d\nprompts:         %s\n",
		h.Status, h.Connections, h.ActiveRequests, h.InFlight, h.PromptsVersion)
	if h.Status != "ok" {
		return 1
	}
	return 0
}

func runPromptsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prompts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	c, err := cf.client(cliLogger(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "prompts: %v\n", err)
		return 1
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cat, err := c.Prompts(reqCtx)
	if err != nil {
		fmt.Fprintf(stderr, "prompts: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "catalog %s\n\nBUTTON\tID\tNAME\n", cat.Version)
	for _, b := range cat.Buttons {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", b.Number, b.ID, b.Name)
	}
	fmt.Fprint(tw, "\nROLE\tID\tNAME\n")
	for _, r := range cat.Roles {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Number, r.ID, r.Name)
	}
	_ = tw.Flush()
	return 0
}

func runChatCommand(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	button := fs.Int("button", 1, "initial prompt button number")
	role := fs.Int("role", 1, "initial role number")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) || !isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintln(stderr, "chat: needs an interactive terminal; use `streamdesk send` instead")
		return 2
	}

	// The TUI owns the screen; client logs would corrupt it.
	c, err := cf.client(slog.New(slog.DiscardHandler))
	if err != nil {
		fmt.Fprintf(stderr, "chat: %v\n", err)
		return 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = c.Run(runCtx) }()

	if err := tui.Run(runCtx, c, tui.Options{Button: *button, Role: *role}); err != nil {
		fmt.Fprintf(stderr, "chat: %v\n", err)
		return 1
	}
	return 0
}
