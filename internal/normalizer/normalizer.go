package normalizer

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pbx-bridge-go/internal/types"
)

// PBX firmware versions disagree on field names, so each canonical attribute
// probes an ordered candidate list and the first present, non-null value wins.
var fieldCandidates = map[string][]string{
	"call_id":        {"call_id", "callid", "unique_id", "uniqueid", "call_uuid", "id"},
	"recording_url":  {"recording_url", "record_url", "recording_link", "monitor_url", "recordingurl"},
	"recording_id":   {"recording_id", "record_id", "rec_id", "recordingid"},
	"recording_file": {"recording_filename", "recording_file", "record_file", "recordfile", "filename"},
	"billed":         {"billsec", "billed_duration", "bill_duration", "billing_duration"},
	"talk":           {"talk_duration", "talksec", "talking_duration", "duration"},
	"caller":         {"caller", "caller_number", "caller_num", "from", "src", "call_from"},
	"callee":         {"callee", "callee_number", "callee_num", "to", "dst", "call_to"},
	"start":          {"start_time", "started_at", "time_start", "call_start"},
	"end":            {"end_time", "ended_at", "time_end", "call_end"},
	"status":         {"status", "call_status", "disposition", "state"},
	"type":           {"call_type", "type", "direction"},
	"trunk":          {"trunk", "trunk_name", "trunk_number"},
}

// Normalize maps a loose webhook payload onto the canonical CallRecord. It is
// a pure function of the payload; absent fields degrade to defaults and no
// input can make it fail.
func Normalize(payload map[string]any) types.CallRecord {
	now := time.Now().UTC().Format(time.RFC3339)

	rec := types.CallRecord{
		CallID:         probe(payload, "call_id", "unknown"),
		RecordingURL:   probe(payload, "recording_url", ""),
		RecordingID:    probe(payload, "recording_id", ""),
		RecordingFile:  probe(payload, "recording_file", ""),
		BilledDuration: probe(payload, "billed", "0"),
		TalkDuration:   probe(payload, "talk", "0"),
		Caller:         probe(payload, "caller", ""),
		Callee:         probe(payload, "callee", ""),
		StartTime:      probe(payload, "start", now),
		EndTime:        probe(payload, "end", now),
		Status:         probe(payload, "status", "unknown"),
		CallType:       probe(payload, "type", "unknown"),
		Trunk:          probe(payload, "trunk", "unknown"),
	}
	rec.HasRecording = rec.RecordingURL != "" || rec.RecordingID != "" || rec.RecordingFile != ""
	return rec
}

// DownloadURL synthesizes a single-step download URL when the record carries
// only a filename. It must be recomputed on every use: the token it embeds
// may have been refreshed since the record was built.
func DownloadURL(baseURL, downloadPath string, rec types.CallRecord, token string) string {
	if rec.RecordingURL != "" {
		return rec.RecordingURL
	}
	if rec.RecordingFile == "" || token == "" {
		return ""
	}
	return fmt.Sprintf("%s%s?file=%s&token=%s",
		strings.TrimRight(baseURL, "/"), downloadPath,
		url.QueryEscape(rec.RecordingFile), url.QueryEscape(token))
}

func probe(payload map[string]any, attr, def string) string {
	for _, key := range fieldCandidates[attr] {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return def
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers decode as float64; render integers without a fraction
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case int:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return ""
	}
}
