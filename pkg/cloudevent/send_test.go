package cloudevent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_HeadersAndBody(t *testing.T) {
	t.Parallel()

	var gotType, gotSubject, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Ce-Type")
		gotSubject = r.Header.Get("Ce-Subject")
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := New("engine.job.metrics", "trainengine", "job-1", "ev-1", map[string]any{"loss": 0.42})
	s := NewSender(time.Second)
	if err := s.Send(context.Background(), srv.URL, ev, "secret"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotType != "engine.job.metrics" {
		t.Errorf("Ce-Type = %q", gotType)
	}
	if gotSubject != "job-1" {
		t.Errorf("Ce-Subject = %q", gotSubject)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestSend_NoSignatureWithoutKey(t *testing.T) {
	t.Parallel()

	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
	}))
	defer srv.Close()

	ev := New("engine.job.finalized", "trainengine", "job-1", "ev-2", nil)
	if err := NewSender(time.Second).Send(context.Background(), srv.URL, ev, ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotSig != "" {
		t.Errorf("expected no signature, got %q", gotSig)
	}
}

func TestSend_Non2xxIsHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ev := New("engine.job.metrics", "trainengine", "job-1", "ev-3", nil)
	err := NewSender(time.Second).Send(context.Background(), srv.URL, ev, "")

	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if he.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d", he.StatusCode)
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{&HTTPError{StatusCode: 400}, true},
		{&HTTPError{StatusCode: 404}, true},
		{&HTTPError{StatusCode: 500}, false},
		{errors.New("network down"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsClientError(tt.err); got != tt.want {
			t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
