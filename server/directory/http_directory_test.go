package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailkeep/mailkeep/consts"
)

func TestHTTPDirectoryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("missing auth header, got %q", got)
		}
		switch r.URL.Query().Get("user") {
		case "alice@example.com":
			fmt.Fprint(w, `{"upstream_host":"mail.example.com","upstream_port":1993,"upstream_ssl":true}`)
		case "bob@example.com":
			fmt.Fprint(w, `{"upstream_host":"mail.example.com","upstream_ssl":true}`)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, "token123", 2*time.Second)
	ctx := context.Background()

	route, err := dir.Lookup(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if route.Host != "mail.example.com" || route.Port != 1993 || !route.TLS {
		t.Errorf("unexpected route %+v", route)
	}

	// Omitted port defaults from the TLS flag.
	route, err = dir.Lookup(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if route.Port != 993 {
		t.Errorf("expected implicit port 993, got %d", route.Port)
	}

	_, err = dir.Lookup(ctx, "nobody@example.com")
	if !errors.Is(err, consts.ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestHTTPDirectoryBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, "", 2*time.Second)
	_, err := dir.Lookup(context.Background(), "alice@example.com")
	if !errors.Is(err, consts.ErrDirectoryUnavailable) {
		t.Errorf("5xx must map to ErrDirectoryUnavailable, got %v", err)
	}
}

func TestHTTPDirectoryUnreachableBackend(t *testing.T) {
	// A closed server yields a transport error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	dir := NewHTTPDirectory(srv.URL, "", time.Second)
	_, err := dir.Lookup(context.Background(), "alice@example.com")
	if !errors.Is(err, consts.ErrDirectoryUnavailable) {
		t.Errorf("transport failure must map to ErrDirectoryUnavailable, got %v", err)
	}
}

func TestHTTPDirectoryMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"upstream_port":993}`)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, "", time.Second)
	_, err := dir.Lookup(context.Background(), "alice@example.com")
	if err == nil {
		t.Fatal("expected error for response without upstream_host")
	}
}

func TestHTTPDirectoryCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL, "", time.Second)
	ctx := context.Background()

	// Drive the breaker past its failure ratio, then verify it fails
	// fast without reaching the backend.
	for i := 0; i < 5; i++ {
		dir.Lookup(ctx, "alice@example.com")
	}
	srv.Close()

	_, err := dir.Lookup(ctx, "alice@example.com")
	if !errors.Is(err, consts.ErrDirectoryUnavailable) {
		t.Errorf("open breaker must map to ErrDirectoryUnavailable, got %v", err)
	}

	// Healthy 404s never count as failures against the breaker.
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer ok.Close()
	okDir := NewHTTPDirectory(ok.URL, "", time.Second)
	for i := 0; i < 10; i++ {
		if _, err := okDir.Lookup(ctx, "nobody@example.com"); !errors.Is(err, consts.ErrIdentityNotFound) {
			t.Fatalf("lookup %d: expected ErrIdentityNotFound, got %v", i, err)
		}
	}
}
