package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/types"
)

// ErrTimeout separates a delivery deadline from an HTTP-level rejection.
var ErrTimeout = errors.New("forward timeout")

type Options struct {
	URL     string
	Timeout time.Duration
}

type Client struct {
	opts   Options
	client *http.Client
	log    *logrus.Entry
}

// Response is the downstream consumer's reply. Consumers answer with JSON or
// plain text; callers must accept either shape.
type Response struct {
	StatusCode int            `json:"status_code"`
	JSON       map[string]any `json:"json,omitempty"`
	Text       string         `json:"text,omitempty"`
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    logger.NewComponent("forwarder"),
	}
}

// WordCount splits on whitespace runs. Used for the derived word_count field.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Payload builds the flat JSON object merging transcript fields with call
// metadata.
func Payload(rec types.CallRecord, tr types.TranscriptionResult) map[string]any {
	return map[string]any{
		"call_id":         rec.CallID,
		"caller":          rec.Caller,
		"callee":          rec.Callee,
		"start_time":      rec.StartTime,
		"end_time":        rec.EndTime,
		"status":          rec.Status,
		"call_type":       rec.CallType,
		"trunk":           rec.Trunk,
		"billed_duration": rec.BilledDuration,
		"talk_duration":   rec.TalkDuration,
		"transcript":      tr.Text,
		"language":        tr.Language,
		"audio_duration":  tr.Duration,
		"segment_count":   tr.SegmentCount,
		"word_count":      WordCount(tr.Text),
	}
}

// Forward posts the merged result to the configured downstream endpoint.
func (c *Client) Forward(ctx context.Context, rec types.CallRecord, tr types.TranscriptionResult) (*Response, error) {
	if c.opts.URL == "" {
		return nil, errors.New("FORWARD_URL not set")
	}

	body, err := json.Marshal(Payload(rec, tr))
	if err != nil {
		return nil, fmt.Errorf("encode forward payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w posting to %s", ErrTimeout, c.opts.URL)
		}
		return nil, fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read forward response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downstream returned %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	out := &Response{StatusCode: resp.StatusCode}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "json") {
		if err := json.Unmarshal(raw, &out.JSON); err != nil {
			out.Text = string(raw)
		}
	} else {
		out.Text = string(raw)
	}

	c.log.WithFields(logrus.Fields{
		"call_id":     rec.CallID,
		"status_code": resp.StatusCode,
		"word_count":  WordCount(tr.Text),
	}).Info("result forwarded")
	return out, nil
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
