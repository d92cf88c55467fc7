package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aadithya-v/turnstile"
	"github.com/aadithya-v/turnstile/httpapi"
	"github.com/aadithya-v/turnstile/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI starts the session API over a memory store and returns a
// token signer for it.
func newTestAPI(t *testing.T, maxDevices int) (*httptest.Server, *httpapi.JWTVerifier) {
	t.Helper()

	ts, err := turnstile.New(turnstile.Config{
		MaxDevices:    maxDevices,
		SessionStore:  store.NewMemorySessionStore(),
		SweepInterval: -1,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create Turnstile: %v", err)
	}
	t.Cleanup(func() { ts.Close() })

	verifier := httpapi.NewJWTVerifier(testSecret, "", "")
	srv := httptest.NewServer(httpapi.NewHandler(ts, verifier, httpapi.Options{Logger: discardLogger()}).Routes())
	t.Cleanup(srv.Close)
	return srv, verifier
}

func newTestClient(t *testing.T, srv *httptest.Server, verifier *httpapi.JWTVerifier, identityID string) *Client {
	t.Helper()
	token, err := verifier.Sign(identityID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return New(srv.URL+"/", token, srv.Client())
}

func TestClientSessionLifecycle(t *testing.T) {
	srv, verifier := newTestAPI(t, 1)
	ctx := context.Background()

	laptop := newTestClient(t, srv, verifier, "alice")
	phone := newTestClient(t, srv, verifier, "alice")

	first, err := laptop.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first.Status != httpapi.StatusSuccess {
		t.Fatalf("Expected success, got %s", first.Status)
	}
	if err := laptop.Heartbeat(ctx, first.SessionID); err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}

	denied, err := phone.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if denied.Status != httpapi.StatusDeviceLimitExceeded {
		t.Fatalf("Expected limit exceeded, got %s", denied.Status)
	}
	if len(denied.CurrentSessions) != 1 || denied.CurrentSessions[0].SessionID != first.SessionID {
		t.Fatalf("Expected the laptop session as the only candidate, got %+v", denied.CurrentSessions)
	}

	second, err := phone.ForceCreate(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("ForceCreate failed: %v", err)
	}

	v, err := laptop.IsValid(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("IsValid failed: %v", err)
	}
	if v.Valid || v.Reason != turnstile.ReasonEvicted {
		t.Errorf("Expected the laptop to be evicted, got %+v", v)
	}
	if err := laptop.Heartbeat(ctx, first.SessionID); !errors.Is(err, turnstile.ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}

	if _, err := phone.ForceCreate(ctx, first.SessionID); !errors.Is(err, turnstile.ErrVictimNotActive) {
		t.Errorf("Expected ErrVictimNotActive, got %v", err)
	}

	sessions, err := phone.List(ctx, second.SessionID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].IsCurrent {
		t.Errorf("Expected one current session, got %+v", sessions)
	}

	if err := phone.Terminate(ctx, second.SessionID); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := phone.Terminate(ctx, second.SessionID); !errors.Is(err, turnstile.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestClientHeartbeatUnknownSession(t *testing.T) {
	srv, verifier := newTestAPI(t, 2)
	c := newTestClient(t, srv, verifier, "alice")

	if err := c.Heartbeat(context.Background(), "unknown"); !errors.Is(err, turnstile.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestClientRejectedToken(t *testing.T) {
	srv, _ := newTestAPI(t, 2)
	c := New(srv.URL, "not-a-token", srv.Client())

	if _, err := c.Create(context.Background()); !errors.Is(err, httpapi.ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestClientSatisfiesChecker(t *testing.T) {
	var _ Checker = (*Client)(nil)
	var _ Checker = (*turnstile.Turnstile)(nil)
}
