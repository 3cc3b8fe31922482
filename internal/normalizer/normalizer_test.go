package normalizer

import (
	"strings"
	"testing"

	"pbx-bridge-go/internal/types"
)

func TestNormalizeDefaults(t *testing.T) {
	rec := Normalize(map[string]any{})

	if rec.CallID != "unknown" {
		t.Errorf("CallID = %q, want unknown", rec.CallID)
	}
	if rec.BilledDuration != "0" || rec.TalkDuration != "0" {
		t.Errorf("durations = %q/%q, want 0/0", rec.BilledDuration, rec.TalkDuration)
	}
	if rec.Status != "unknown" || rec.CallType != "unknown" || rec.Trunk != "unknown" {
		t.Errorf("placeholders not applied: %q %q %q", rec.Status, rec.CallType, rec.Trunk)
	}
	if rec.StartTime == "" || rec.EndTime == "" {
		t.Error("timestamps should default to now, got empty")
	}
	if rec.HasRecording {
		t.Error("HasRecording = true for empty payload")
	}
}

func TestNormalizeCandidateOrdering(t *testing.T) {
	// call_id outranks uniqueid which outranks id
	rec := Normalize(map[string]any{
		"id":       "c",
		"uniqueid": "b",
		"call_id":  "a",
	})
	if rec.CallID != "a" {
		t.Errorf("CallID = %q, want a (first candidate wins)", rec.CallID)
	}

	rec = Normalize(map[string]any{"uniqueid": "b", "id": "c"})
	if rec.CallID != "b" {
		t.Errorf("CallID = %q, want b", rec.CallID)
	}
}

func TestNormalizeSkipsNullAndEmpty(t *testing.T) {
	rec := Normalize(map[string]any{
		"call_id":  nil,
		"uniqueid": "  ",
		"id":       "real",
	})
	if rec.CallID != "real" {
		t.Errorf("CallID = %q, want real", rec.CallID)
	}
}

func TestNormalizeNumericValues(t *testing.T) {
	rec := Normalize(map[string]any{
		"call_id": float64(123),
		"billsec": float64(30),
	})
	if rec.CallID != "123" {
		t.Errorf("CallID = %q, want 123", rec.CallID)
	}
	if rec.BilledDuration != "30" {
		t.Errorf("BilledDuration = %q, want 30", rec.BilledDuration)
	}
}

func TestHasRecordingInvariant(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{"no reference", map[string]any{"call_id": "1"}, false},
		{"direct url", map[string]any{"recording_url": "https://x/r.wav"}, true},
		{"recording id", map[string]any{"recording_id": "rec_789"}, true},
		{"filename", map[string]any{"recording_filename": "a.wav"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.payload).HasRecording; got != tt.want {
				t.Errorf("HasRecording = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownloadURL(t *testing.T) {
	rec := types.CallRecord{RecordingFile: "call one.wav"}

	u := DownloadURL("https://pbx.example.com/", "/openapi/v1.0/recording/download", rec, "tok1")
	if !strings.Contains(u, "file=call+one.wav") && !strings.Contains(u, "file=call%20one.wav") {
		t.Errorf("url %q does not contain the encoded filename", u)
	}
	if !strings.Contains(u, "token=tok1") {
		t.Errorf("url %q does not carry the token", u)
	}

	// recomputed, never cached: a new token shows up in the next call
	u2 := DownloadURL("https://pbx.example.com/", "/openapi/v1.0/recording/download", rec, "tok2")
	if !strings.Contains(u2, "token=tok2") {
		t.Errorf("url %q not recomputed with the new token", u2)
	}
}

func TestDownloadURLDirectTakesPrecedence(t *testing.T) {
	rec := types.CallRecord{RecordingURL: "https://x/r.wav", RecordingFile: "a.wav"}
	if u := DownloadURL("https://pbx", "/dl", rec, "tok"); u != "https://x/r.wav" {
		t.Errorf("url = %q, want the direct recording url", u)
	}
}

func TestDownloadURLRequiresToken(t *testing.T) {
	rec := types.CallRecord{RecordingFile: "a.wav"}
	if u := DownloadURL("https://pbx", "/dl", rec, ""); u != "" {
		t.Errorf("url = %q, want empty when no token is held", u)
	}
}
