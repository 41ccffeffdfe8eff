package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func issueReq() IssueRequest {
	return IssueRequest{
		ChannelName: "call_abc_def_1234",
		UID:         42,
		Role:        RolePublisher,
		ExpireAt:    time.Now().Add(35 * time.Minute),
	}
}

func TestEdgeIssuer_IssueToken(t *testing.T) {
	var gotAuth string
	var gotBody issueTokenRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(issueTokenResponse{Token: "tok-123"})
	}))
	defer srv.Close()

	issuer, err := NewEdgeIssuer(EdgeIssuerConfig{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	cred, err := issuer.IssueToken(context.Background(), issueReq())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.Token != "tok-123" || cred.UID != 42 {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.ChannelName != "call_abc_def_1234" || gotBody.UID != 42 || gotBody.Role != "publisher" {
		t.Fatalf("unexpected request body %+v", gotBody)
	}
	if gotBody.ExpireTime == 0 {
		t.Fatalf("expire time must be set")
	}
}

func TestEdgeIssuer_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(issueTokenResponse{Token: "tok"})
	}))
	defer srv.Close()

	issuer, err := NewEdgeIssuer(EdgeIssuerConfig{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	if _, err := issuer.IssueToken(context.Background(), issueReq()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestEdgeIssuer_ClientErrorIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad channel", http.StatusBadRequest)
	}))
	defer srv.Close()

	issuer, err := NewEdgeIssuer(EdgeIssuerConfig{BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	if _, err := issuer.IssueToken(context.Background(), issueReq()); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls)
	}
}

func TestEdgeIssuer_ValidatesInput(t *testing.T) {
	issuer, err := NewEdgeIssuer(EdgeIssuerConfig{BaseURL: "http://localhost:0"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	req := issueReq()
	req.ChannelName = ""
	if _, err := issuer.IssueToken(context.Background(), req); err == nil {
		t.Fatalf("expected error for empty channel")
	}

	req = issueReq()
	req.UID = 0
	if _, err := issuer.IssueToken(context.Background(), req); err == nil {
		t.Fatalf("expected error for zero uid")
	}
}

func TestNewUIDPair_DistinctNonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, b := NewUIDPair()
		if a == 0 || b == 0 {
			t.Fatalf("uid must be non-zero: %d %d", a, b)
		}
		if a == b {
			t.Fatalf("uids must differ")
		}
	}
}
