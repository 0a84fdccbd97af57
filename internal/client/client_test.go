package client_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/streamdesk/internal/client"
	"github.com/basket/streamdesk/internal/connections"
	"github.com/basket/streamdesk/internal/gateway"
	"github.com/basket/streamdesk/internal/generation"
	"github.com/basket/streamdesk/internal/ledger"
	"github.com/basket/streamdesk/internal/prompts"
	"github.com/basket/streamdesk/internal/stream"
)

type daemon struct {
	url      string
	registry *connections.Registry
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := connections.NewRegistry(logger)
	l := ledger.New(logger)
	echo := generation.EchoSource{}
	src := generation.SourceFunc(func(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
		if req.Text != "block" {
			return echo.Stream(ctx, req)
		}
		return func(yield func(string, error) bool) {
			if yield("first ", nil) {
				<-ctx.Done()
			}
		}
	})
	orch := stream.NewOrchestrator(reg, l, src, logger)
	sup := stream.NewSupervisor(context.Background(), orch, l, logger)
	cat, err := prompts.New(prompts.DefaultCatalog)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	srv := httptest.NewServer(gateway.New(gateway.Config{
		Registry:   reg,
		Ledger:     l,
		Supervisor: sup,
		Prompts:    cat,
		Logger:     logger,
	}).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		srv.Close()
	})
	return &daemon{url: srv.URL, registry: reg}
}

func newClient(t *testing.T, url, user string) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		BaseURL:    url,
		UserID:     user,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

func runClient(t *testing.T, d *daemon, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	// The server registers the socket just after the handshake completes.
	for !d.registry.HasConnection(c.UserID()) {
		if waitCtx.Err() != nil {
			t.Fatal("server never registered the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, c *client.Client) stream.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stream.Event{}
}

func TestSubmitReceivesStream(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "alice")
	runClient(t, d, c)

	ctx := context.Background()
	id, err := c.Submit(ctx, "hello there world", 1, 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ev := nextEvent(t, c); ev.Type != stream.TypeStart || ev.RequestID != id {
		t.Fatalf("first event = %+v, want start for %s", ev, id)
	}
	seq := 0
	for {
		ev := nextEvent(t, c)
		if ev.RequestID != id {
			t.Fatalf("event for %s, want %s", ev.RequestID, id)
		}
		if ev.Type == stream.TypeDone {
			break
		}
		if ev.Type != stream.TypeChunk {
			t.Fatalf("unexpected event %+v", ev)
		}
		seq++
		if ev.Seq != seq {
			t.Fatalf("seq = %d, want %d", ev.Seq, seq)
		}
	}
	if seq == 0 {
		t.Fatal("no chunks received")
	}
}

func TestCancelOverWebSocket(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "bob")
	runClient(t, d, c)

	ctx := context.Background()
	id, err := c.Submit(ctx, "block", 1, 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	nextEvent(t, c) // start
	if ev := nextEvent(t, c); ev.Type != stream.TypeChunk {
		t.Fatalf("want chunk, got %+v", ev)
	}
	if err := c.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		err := c.CancelHTTP(ctx, id)
		if errors.Is(err, client.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request still active after cancel: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case ev := <-c.Events():
		t.Fatalf("cancelled stream sent %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitWithoutConnection(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "nobody")

	_, err := c.Submit(context.Background(), "hi", 1, 1)
	if !errors.Is(err, client.ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 409 {
		t.Fatalf("err = %#v, want 409 APIError", err)
	}
}

func TestSubmitUnknownPrompt(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "carol")
	runClient(t, d, c)

	_, err := c.Submit(context.Background(), "hi", 99, 99)
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "dave")
	runClient(t, d, c)

	d.registry.CloseAll("test drop")

	var sawDown bool
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-c.States():
			if !s.Connected {
				sawDown = true
			} else if sawDown {
				return
			}
		case <-timeout:
			t.Fatalf("no reconnect (sawDown=%v)", sawDown)
		}
	}
}

func TestHealthAndPrompts(t *testing.T) {
	d := startDaemon(t)
	c := newClient(t, d.url, "erin")
	runClient(t, d, c)

	ctx := context.Background()
	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Connections != 1 {
		t.Fatalf("health = %+v", h)
	}
	cat, err := c.Prompts(ctx)
	if err != nil {
		t.Fatalf("Prompts: %v", err)
	}
	if len(cat.Buttons) == 0 || len(cat.Roles) == 0 || cat.Version == "" {
		t.Fatalf("catalog = %+v", cat)
	}
}

func TestNew(t *testing.T) {
	for _, raw := range []string{"ftp://x", "localhost:8080", "://bad"} {
		if _, err := client.New(client.Options{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) succeeded", raw)
		}
	}
	c, err := client.New(client.Options{BaseURL: "http://127.0.0.1:1/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.UserID() != "default" {
		t.Fatalf("user = %q", c.UserID())
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{8 * time.Second, 16 * time.Second},
		{16 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := client.NextBackoff(tt.in, client.DefaultMaxBackoff); got != tt.want {
			t.Errorf("NextBackoff(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
