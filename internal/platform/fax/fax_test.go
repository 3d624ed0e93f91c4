package fax

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"415-840-7591":     "4158407591",
		" (202) 938 3266 ": "2029383266",
		"+1 415 840 7591":  "+14158407591",
		"1+2":              "12",
		"fax":              "",
		"+":                "",
	}
	for in, want := range cases {
		if got := NormalizeNumber(in); got != want {
			t.Errorf("NormalizeNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignature(t *testing.T) {
	sig := SignPayload([]byte("payload"), "secret")
	if !VerifySignature([]byte("payload"), "secret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature([]byte("payload"), "other", sig) {
		t.Error("expected signature under another secret to fail")
	}
}

func TestNewHTTPDispatcher_InvalidEndpoint(t *testing.T) {
	for _, ep := range []string{"", "ftp://x", "not a url", "http://"} {
		if _, err := NewHTTPDispatcher(ep, zerolog.Nop()); err == nil {
			t.Errorf("expected error for endpoint %q", ep)
		}
	}
}

func TestHTTPDispatcher_Dispatch(t *testing.T) {
	var got Job
	var sigHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sigHeader = r.Header.Get("X-Fax-Signature")
		if !VerifySignature(body, "s3cret", strings.TrimPrefix(sigHeader, "sha256=")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, err := NewHTTPDispatcher(srv.URL, zerolog.Nop(), WithSecret("s3cret"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPDispatcher: %v", err)
	}
	job := &Job{ID: "job-1", AppealID: 7, Destination: "(415) 840-7591", Body: "appeal"}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.Destination != "4158407591" || got.AppealID != 7 {
		t.Errorf("unexpected job at gateway: %+v", got)
	}
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Errorf("expected signature header, got %q", sigHeader)
	}
}

func TestHTTPDispatcher_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "line busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := NewHTTPDispatcher(srv.URL, zerolog.Nop())
	err := d.Dispatch(context.Background(), &Job{ID: "j", Destination: "4158407591"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestDispatch_InvalidNumber(t *testing.T) {
	d := LogDispatcher{Logger: zerolog.Nop()}
	if err := d.Dispatch(context.Background(), &Job{ID: "j", Destination: "n/a"}); !errors.Is(err, ErrInvalidNumber) {
		t.Errorf("expected ErrInvalidNumber, got %v", err)
	}
}

func TestMockDispatcher(t *testing.T) {
	m := &MockDispatcher{}
	_ = m.Dispatch(context.Background(), &Job{ID: "a"})
	if len(m.Jobs()) != 1 {
		t.Fatalf("expected one job")
	}
	m.Err = errors.New("down")
	if err := m.Dispatch(context.Background(), &Job{ID: "b"}); err == nil {
		t.Error("expected configured error")
	}
	if len(m.Jobs()) != 1 {
		t.Error("expected failed job not recorded")
	}
}
