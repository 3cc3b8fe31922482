package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/normalizer"
	"pbx-bridge-go/internal/types"
)

// errTokenExpired classifies a 401/403 or an in-body "token expired" envelope.
// It triggers exactly one refresh-and-retry cycle, never the generic retry
// loop: retrying with a token known to be stale cannot help.
var errTokenExpired = errors.New("bearer token expired")

// TokenSource is the credential dependency. Satisfied by credentials.Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, isRetry bool) error
}

type Options struct {
	BaseURL         string
	ResolvePath     string
	DownloadPath    string
	ResolveTimeout  time.Duration
	DownloadTimeout time.Duration
	MinBytes        int
}

// Retriever resolves a playable byte stream for a call record. Priority:
// direct URL, then recording id, then filename. When ResolvePath is set the
// id/filename variants use the two-step resolve-then-download protocol.
type Retriever struct {
	opts     Options
	tokens   TokenSource
	resolver *http.Client
	fetcher  *http.Client
	log      *logrus.Entry
}

type resolveResponse struct {
	DownloadResourceURL string `json:"download_resource_url"`
	ErrCode             int    `json:"errcode"`
	ErrMsg              string `json:"errmsg"`
}

func New(opts Options, tokens TokenSource) *Retriever {
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 120 * time.Second
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = 1000
	}
	return &Retriever{
		opts:     opts,
		tokens:   tokens,
		resolver: &http.Client{Timeout: opts.ResolveTimeout},
		fetcher:  &http.Client{Timeout: opts.DownloadTimeout},
		log:      logger.NewComponent("recorder"),
	}
}

// Fetch downloads the recording for rec. A direct URL is fetched as-is with
// no token involved; the other references go through the source API with the
// current token and get one refresh-and-retry on expiry.
func (r *Retriever) Fetch(ctx context.Context, rec types.CallRecord) ([]byte, error) {
	if !rec.HasRecording {
		return nil, errors.New("call record has no recording reference")
	}

	if rec.RecordingURL != "" {
		r.log.WithField("call_id", rec.CallID).Debug("fetching direct recording url")
		return r.download(ctx, rec.RecordingURL)
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	data, err := r.fetchWithToken(ctx, rec, token)
	if !errors.Is(err, errTokenExpired) {
		return data, err
	}

	// one refresh, one retry of the whole sequence, then surface the error
	r.log.WithField("call_id", rec.CallID).Info("token expired mid-flight, refreshing once")
	if err := r.tokens.Refresh(ctx, false); err != nil {
		return nil, fmt.Errorf("refresh after expiry: %w", err)
	}
	token, err = r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token after refresh: %w", err)
	}
	data, err = r.fetchWithToken(ctx, rec, token)
	if errors.Is(err, errTokenExpired) {
		return nil, fmt.Errorf("recording fetch still rejected after token refresh: %w", err)
	}
	return data, err
}

func (r *Retriever) fetchWithToken(ctx context.Context, rec types.CallRecord, token string) ([]byte, error) {
	if r.opts.ResolvePath != "" {
		resourceURL, err := r.resolve(ctx, rec, token)
		if err != nil {
			return nil, err
		}
		return r.download(ctx, appendToken(resourceURL, token))
	}
	return r.download(ctx, r.directURL(rec, token))
}

// resolve exchanges an id/filename for a short-lived resource URL.
func (r *Retriever) resolve(ctx context.Context, rec types.CallRecord, token string) (string, error) {
	q := url.Values{}
	if rec.RecordingID != "" {
		q.Set("id", rec.RecordingID)
	} else {
		q.Set("file", rec.RecordingFile)
	}
	q.Set("token", token)
	endpoint := strings.TrimRight(r.opts.BaseURL, "/") + r.opts.ResolvePath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	resp, err := r.resolver.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("resolve returned %d: %w", resp.StatusCode, errTokenExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve returned %d: %s", resp.StatusCode, string(raw))
	}

	var rr resolveResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return "", fmt.Errorf("decode resolve response: %v body=%s", err, string(raw))
	}
	if rr.ErrCode != 0 {
		if expiredEnvelope(rr.ErrCode, rr.ErrMsg) {
			return "", fmt.Errorf("resolve errcode=%d errmsg=%s: %w", rr.ErrCode, rr.ErrMsg, errTokenExpired)
		}
		return "", fmt.Errorf("resolve error: errcode=%d errmsg=%s", rr.ErrCode, rr.ErrMsg)
	}
	if rr.DownloadResourceURL == "" {
		return "", fmt.Errorf("resolve response missing download_resource_url: %s", string(raw))
	}

	resourceURL := rr.DownloadResourceURL
	if !strings.HasPrefix(resourceURL, "http://") && !strings.HasPrefix(resourceURL, "https://") {
		resourceURL = strings.TrimRight(r.opts.BaseURL, "/") + resourceURL
	}
	return resourceURL, nil
}

func (r *Retriever) directURL(rec types.CallRecord, token string) string {
	if rec.RecordingID != "" {
		q := url.Values{}
		q.Set("id", rec.RecordingID)
		q.Set("token", token)
		return strings.TrimRight(r.opts.BaseURL, "/") + r.opts.DownloadPath + "?" + q.Encode()
	}
	// filename variant shares the normalizer's synthesized URL, recomputed
	// here with whatever token is current
	return normalizer.DownloadURL(r.opts.BaseURL, r.opts.DownloadPath, rec, token)
}

// download fetches raw bytes and rejects responses that are error bodies in
// disguise: 401/403, tiny payloads, or a json/text content type on a 200.
func (r *Retriever) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("download returned %d: %w", resp.StatusCode, errTokenExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %d: %s", resp.StatusCode, truncate(data, 512))
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "json") || strings.Contains(ct, "text") {
		if expiredBody(data) {
			return nil, fmt.Errorf("download body signals expiry: %s: %w", truncate(data, 512), errTokenExpired)
		}
		return nil, fmt.Errorf("download returned %s instead of audio: %s", ct, truncate(data, 512))
	}
	if len(data) < r.opts.MinBytes {
		return nil, fmt.Errorf("download too small (%d bytes, want >= %d): %s", len(data), r.opts.MinBytes, truncate(data, 512))
	}
	return data, nil
}

func expiredEnvelope(code int, msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "token") || strings.Contains(m, "expire") || code == 401 || code == 403
}

func expiredBody(data []byte) bool {
	var env struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.ErrCode != 0 && expiredEnvelope(env.ErrCode, env.ErrMsg)
}

func appendToken(rawURL, token string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "token=" + url.QueryEscape(token)
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
