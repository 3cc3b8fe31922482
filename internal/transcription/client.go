package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/audio"
	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/types"
)

// ErrTimeout distinguishes a transcription deadline from other failures, so
// callers can decide whether a retry is worth it.
var ErrTimeout = errors.New("transcription timeout")

type Options struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

type Client struct {
	opts   Options
	client *http.Client
	log    *logrus.Entry
}

// verboseResponse is the verbose_json shape of Whisper-style APIs.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    logger.NewComponent("transcription"),
	}
}

// Transcribe submits validated audio bytes as a multipart form and returns
// the structured transcript.
func (c *Client) Transcribe(ctx context.Context, callID string, data []byte, format audio.Format) (types.TranscriptionResult, error) {
	if c.opts.Endpoint == "" {
		return types.TranscriptionResult{}, errors.New("TRANSCRIBE_URL not set")
	}
	if c.opts.APIKey == "" {
		return types.TranscriptionResult{}, errors.New("TRANSCRIBE_API_KEY not set")
	}

	body, contentType, err := c.buildForm(callID, data, format)
	if err != nil {
		return types.TranscriptionResult{}, fmt.Errorf("build transcription form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, body)
	if err != nil {
		return types.TranscriptionResult{}, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return types.TranscriptionResult{}, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
		return types.TranscriptionResult{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TranscriptionResult{}, fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.TranscriptionResult{}, fmt.Errorf("transcription service returned %d: %s", resp.StatusCode, extractErrorMessage(raw))
	}

	var vr verboseResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return types.TranscriptionResult{}, fmt.Errorf("decode transcription response: %v body=%s", err, truncate(raw, 512))
	}

	result := types.TranscriptionResult{
		Text:         strings.TrimSpace(vr.Text),
		Language:     vr.Language,
		Duration:     vr.Duration,
		SegmentCount: len(vr.Segments),
	}
	c.log.WithFields(logrus.Fields{
		"call_id":  callID,
		"language": result.Language,
		"segments": result.SegmentCount,
		"took_ms":  time.Since(start).Milliseconds(),
	}).Info("transcription complete")
	return result, nil
}

func (c *Client) buildForm(callID string, data []byte, format audio.Format) (*bytes.Buffer, string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="call_%s.%s"`, callID, format))
	h.Set("Content-Type", "audio/"+string(format))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	_ = w.WriteField("model", c.opts.Model)
	if c.opts.Language != "" {
		_ = w.WriteField("language", c.opts.Language)
	}
	_ = w.WriteField("response_format", "verbose_json")
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// extractErrorMessage digs the human-readable message out of a structured
// error body, falling back to the raw text.
func extractErrorMessage(raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return truncate(raw, 512)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
