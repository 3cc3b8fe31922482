package recorder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pbx-bridge-go/internal/types"
)

type stubTokens struct {
	tokens       []string
	idx          int
	tokenCalls   int
	refreshCalls int
}

func (s *stubTokens) Token(ctx context.Context) (string, error) {
	s.tokenCalls++
	if s.idx >= len(s.tokens) {
		return s.tokens[len(s.tokens)-1], nil
	}
	return s.tokens[s.idx], nil
}

func (s *stubTokens) Refresh(ctx context.Context, isRetry bool) error {
	s.refreshCalls++
	if s.idx < len(s.tokens)-1 {
		s.idx++
	}
	return nil
}

func audioBody() []byte {
	buf := make([]byte, 2048)
	copy(buf, "RIFF\x00\x00\x00\x00WAVE")
	return buf
}

func serveAudio(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(audioBody())
}

func TestFetchDirectURLSkipsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveAudio(w)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: "https://unused", DownloadPath: "/dl"}, tokens)

	data, err := r.Fetch(context.Background(), types.CallRecord{
		CallID:       "123",
		RecordingURL: srv.URL + "/r.wav",
		HasRecording: true,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(data, audioBody()) {
		t.Error("downloaded bytes do not match served audio")
	}
	if tokens.tokenCalls != 0 {
		t.Errorf("token acquired %d times for a direct url, want 0", tokens.tokenCalls)
	}
}

func TestFetchByIDSingleStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dl" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("id") != "rec_789" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		serveAudio(w)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	if _, err := r.Fetch(context.Background(), types.CallRecord{
		CallID:       "456",
		RecordingID:  "rec_789",
		HasRecording: true,
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFetchByFilenameSingleStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dl" {
			http.NotFound(w, r)
			return
		}
		// the encoded filename round-trips through the synthesized URL
		if r.URL.Query().Get("file") != "call one.wav" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		serveAudio(w)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	if _, err := r.Fetch(context.Background(), types.CallRecord{
		CallID:        "7",
		RecordingFile: "call one.wav",
		HasRecording:  true,
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFetchRefreshesOnceOnExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "stale" {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		serveAudio(w)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"stale", "fresh"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	if _, err := r.Fetch(context.Background(), types.CallRecord{
		CallID:       "456",
		RecordingID:  "rec_789",
		HasRecording: true,
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if tokens.refreshCalls != 1 {
		t.Errorf("refresh invoked %d times, want exactly 1", tokens.refreshCalls)
	}
}

func TestFetchSurfacesErrorAfterSingleRetry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"a", "b"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	_, err := r.Fetch(context.Background(), types.CallRecord{
		RecordingID:  "rec",
		HasRecording: true,
	})
	if err == nil {
		t.Fatal("Fetch succeeded against a permanently rejecting server")
	}
	if !strings.Contains(err.Error(), "after token refresh") {
		t.Errorf("err = %v, want post-refresh rejection", err)
	}
	if tokens.refreshCalls != 1 {
		t.Errorf("refresh invoked %d times, want 1 (no unbounded loop)", tokens.refreshCalls)
	}
	if hits != 2 {
		t.Errorf("download attempted %d times, want 2", hits)
	}
}

func TestFetchTwoStepResolve(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("file") != "call.wav" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"download_resource_url":"/res/abc"}`)
	})
	mux.HandleFunc("/res/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		serveAudio(w)
	})

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: srv.URL, ResolvePath: "/resolve", DownloadPath: "/dl"}, tokens)

	if _, err := r.Fetch(context.Background(), types.CallRecord{
		CallID:        "1",
		RecordingFile: "call.wav",
		HasRecording:  true,
	}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
}

func TestFetchRejectsUndersizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, "short error body")
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	_, err := r.Fetch(context.Background(), types.CallRecord{RecordingID: "x", HasRecording: true})
	if err == nil {
		t.Fatal("Fetch accepted an undersized body")
	}
	if !strings.Contains(err.Error(), "short error body") {
		t.Errorf("err = %v, want the body captured for diagnosability", err)
	}
}

func TestFetchRejectsJSONDisguisedAsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errcode":500,"errmsg":"storage offline"}`)
	}))
	defer srv.Close()

	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: srv.URL, DownloadPath: "/dl"}, tokens)

	_, err := r.Fetch(context.Background(), types.CallRecord{RecordingID: "x", HasRecording: true})
	if err == nil {
		t.Fatal("Fetch accepted a json body as audio")
	}
	if !strings.Contains(err.Error(), "storage offline") {
		t.Errorf("err = %v, want the error body included", err)
	}
}

func TestFetchWithoutRecordingReference(t *testing.T) {
	tokens := &stubTokens{tokens: []string{"tok"}}
	r := New(Options{BaseURL: "https://x", DownloadPath: "/dl"}, tokens)
	if _, err := r.Fetch(context.Background(), types.CallRecord{CallID: "1"}); err == nil {
		t.Fatal("Fetch succeeded on a record with no recording reference")
	}
}
