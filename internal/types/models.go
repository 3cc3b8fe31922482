package types

// CallRecord is the canonical form of one completed call event. It is built
// once by the normalizer and never mutated afterwards.
type CallRecord struct {
	CallID         string `json:"call_id"`
	RecordingURL   string `json:"recording_url,omitempty"`
	RecordingID    string `json:"recording_id,omitempty"`
	RecordingFile  string `json:"recording_file,omitempty"`
	BilledDuration string `json:"billed_duration"`
	TalkDuration   string `json:"talk_duration"`
	Caller         string `json:"caller"`
	Callee         string `json:"callee"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Status         string `json:"status"`
	CallType       string `json:"call_type"`
	Trunk          string `json:"trunk"`
	HasRecording   bool   `json:"has_recording"`
}

// TranscriptionResult is the structured output of one transcription request,
// consumed by the forwarder and then dropped.
type TranscriptionResult struct {
	Text         string  `json:"text"`
	Language     string  `json:"language"`
	Duration     float64 `json:"duration"`
	SegmentCount int     `json:"segment_count"`
}
