package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cabewaldrop/andromeda-fuse/internal/errs"
)

func newFakeServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestAuthenticateStoresSession(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("app") != "accounts" || q.Get("action") != "createsession" {
			t.Fatalf("unexpected app/action: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessionid": "sid1", "sessionkey": "key1",
		})
	})
	if err := c.Authenticate(context.Background(), "alice", "hunter2", ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if c.sessionID != "sid1" || c.sessionKey != "key1" {
		t.Fatalf("session not stored: %q %q", c.sessionID, c.sessionKey)
	}
}

func TestAuthenticateTwoFactorRequired(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"twofactor_required": true})
	})
	err := c.Authenticate(context.Background(), "alice", "hunter2", "")
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindTwoFactorRequired {
		t.Fatalf("expected TwoFactorRequired, got %v", err)
	}
}

func TestRunActionMapsStatusCodes(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "denied":
			w.WriteHeader(http.StatusForbidden)
		}
	})
	if err := c.runAction(context.Background(), "x", "missing", url.Values{}, nil); err == nil {
		t.Fatal("expected error for 404")
	} else if kind, _ := errs.KindOf(err); kind != errs.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := c.runAction(context.Background(), "x", "denied", url.Values{}, nil); err == nil {
		t.Fatal("expected error for 403")
	} else if kind, _ := errs.KindOf(err); kind != errs.KindAccessDenied {
		t.Fatalf("expected AccessDenied, got %v", err)
	}
}

func TestReadFileReturnsBody(t *testing.T) {
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	})
	var got []byte
	err := c.ReadFile(context.Background(), "f1", 0, 11, func(offset int64, data []byte) error {
		got = append(got, data...)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRefreshMetaDedupesConcurrentCalls(t *testing.T) {
	var calls int
	c := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"id": "f1", "name": "a.txt", "size": 42})
	})

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			if _, err := c.RefreshMeta(context.Background(), "f1"); err != nil {
				t.Error(err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if calls == 0 {
		t.Fatal("expected at least one RunAction call")
	}
}
