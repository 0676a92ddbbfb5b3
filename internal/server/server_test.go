package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"devicelink/internal/config"
	"devicelink/internal/logx"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Config{Port: 4321, MasterSecret: "x"}
	srv := NewHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != ":4321" {
		t.Fatalf("expected :4321, got %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected ReadHeaderTimeout")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := config.Config{Port: 0, MasterSecret: "x"}
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, http.NewServeMux(), logx.Discard()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
