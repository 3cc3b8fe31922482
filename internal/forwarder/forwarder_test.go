package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pbx-bridge-go/internal/types"
)

var testRecord = types.CallRecord{
	CallID:         "123",
	Caller:         "1001",
	Callee:         "2002",
	StartTime:      "2026-08-30T10:00:00Z",
	EndTime:        "2026-08-30T10:05:00Z",
	Status:         "answered",
	CallType:       "inbound",
	Trunk:          "trunk-1",
	BilledDuration: "300",
	TalkDuration:   "290",
}

var testTranscript = types.TranscriptionResult{
	Text:         "hello there general kenobi",
	Language:     "en",
	Duration:     290.5,
	SegmentCount: 3,
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"hello  world", 2},
		{" spaced \t out\nwords ", 3},
	}
	for _, tt := range tests {
		if got := WordCount(tt.text); got != tt.want {
			t.Errorf("WordCount(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestPayloadMergesCallAndTranscript(t *testing.T) {
	p := Payload(testRecord, testTranscript)

	if p["call_id"] != "123" || p["trunk"] != "trunk-1" {
		t.Errorf("call metadata missing: %v", p)
	}
	if p["transcript"] != testTranscript.Text || p["language"] != "en" {
		t.Errorf("transcript fields missing: %v", p)
	}
	if p["word_count"] != 4 {
		t.Errorf("word_count = %v, want 4", p["word_count"])
	}
}

func TestForwardPostsFlatJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["call_id"] != "123" || body["word_count"] != float64(4) {
			t.Errorf("unexpected payload: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"received":true}`)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL})
	resp, err := c.Forward(context.Background(), testRecord, testTranscript)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.JSON["received"] != true {
		t.Errorf("response JSON = %v, want received=true", resp.JSON)
	}
}

func TestForwardAcceptsPlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "thanks")
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL})
	resp, err := c.Forward(context.Background(), testRecord, testTranscript)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Text != "thanks" {
		t.Errorf("response text = %q, want thanks", resp.Text)
	}
}

func TestForwardHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL})
	_, err := c.Forward(context.Background(), testRecord, testTranscript)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want HTTP-level failure", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("HTTP failure misclassified as timeout")
	}
}

func TestForwardTimeoutIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Options{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Forward(context.Background(), testRecord, testTranscript)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestForwardMissingURL(t *testing.T) {
	c := New(Options{})
	_, err := c.Forward(context.Background(), testRecord, testTranscript)
	if err == nil || !strings.Contains(err.Error(), "not set") {
		t.Errorf("err = %v, want configuration error", err)
	}
}
