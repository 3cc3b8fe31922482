package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pbx-bridge-go/internal/audio"
	"pbx-bridge-go/internal/config"
	"pbx-bridge-go/internal/forwarder"
	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/normalizer"
	"pbx-bridge-go/internal/report"
	"pbx-bridge-go/internal/retry"
	"pbx-bridge-go/internal/types"
)

// Dependencies are narrow interfaces so tests can stub each step.
type Retriever interface {
	Fetch(ctx context.Context, rec types.CallRecord) ([]byte, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, callID string, data []byte, format audio.Format) (types.TranscriptionResult, error)
}

type Forwarder interface {
	Forward(ctx context.Context, rec types.CallRecord, tr types.TranscriptionResult) (*forwarder.Response, error)
}

// Result is what the webhook caller gets back.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	CallID  string `json:"call_id"`
}

type Pipeline struct {
	cfg         config.Config
	policy      retry.Policy
	retriever   Retriever
	transcriber Transcriber
	forwarder   Forwarder
	reports     *report.Log
	log         *logrus.Entry
}

func New(cfg config.Config, r Retriever, t Transcriber, f Forwarder, reports *report.Log) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.RetryBackoffBase,
			Cap:         cfg.RetryBackoffCap,
		},
		retriever:   r,
		transcriber: t,
		forwarder:   f,
		reports:     reports,
		log:         logger.NewComponent("pipeline"),
	}
}

// Process runs one inbound event through normalize, download, validate,
// transcribe and forward. Calls without a recording reference short-circuit
// as success with no downstream traffic.
func (p *Pipeline) Process(ctx context.Context, payload map[string]any) (Result, error) {
	start := time.Now()
	rec := normalizer.Normalize(payload)
	log := p.log.WithField("call_id", rec.CallID)

	if !rec.HasRecording {
		log.Info("call has no recording, short-circuiting")
		p.reports.Add(report.Entry{
			CallID:     rec.CallID,
			Status:     report.StatusNoRecording,
			DurationMs: time.Since(start).Milliseconds(),
		})
		return Result{
			Success: true,
			Message: "call has no recording, nothing to transcribe",
			CallID:  rec.CallID,
		}, nil
	}

	data, err := retry.Do(ctx, "recording download", p.policy, func(ctx context.Context) ([]byte, error) {
		return p.retriever.Fetch(ctx, rec)
	})
	if err != nil {
		return p.fail(rec, start, fmt.Errorf("download recording: %w", err))
	}
	log.WithField("bytes", len(data)).Info("recording downloaded")

	// size/format failures are final: retrying an unchanged input cannot help
	format, err := audio.Validate(data, p.cfg.MinAudioBytes, p.cfg.MaxAudioBytes)
	if err != nil {
		return p.fail(rec, start, err)
	}

	tr, err := retry.Do(ctx, "transcription", p.policy, func(ctx context.Context) (types.TranscriptionResult, error) {
		return p.transcriber.Transcribe(ctx, rec.CallID, data, format)
	})
	if err != nil {
		return p.fail(rec, start, err)
	}

	if _, err := p.forwarder.Forward(ctx, rec, tr); err != nil {
		return p.fail(rec, start, fmt.Errorf("forward result: %w", err))
	}

	wc := forwarder.WordCount(tr.Text)
	p.reports.Add(report.Entry{
		CallID:     rec.CallID,
		Status:     report.StatusForwarded,
		Format:     string(format),
		Language:   tr.Language,
		WordCount:  wc,
		DurationMs: time.Since(start).Milliseconds(),
	})
	log.WithFields(logrus.Fields{
		"word_count": wc,
		"took_ms":    time.Since(start).Milliseconds(),
	}).Info("call processed")

	return Result{
		Success: true,
		Message: fmt.Sprintf("transcribed and forwarded (%d words)", wc),
		CallID:  rec.CallID,
	}, nil
}

func (p *Pipeline) fail(rec types.CallRecord, start time.Time, err error) (Result, error) {
	p.log.WithField("call_id", rec.CallID).WithError(err).Error("pipeline failed")
	p.reports.Add(report.Entry{
		CallID:     rec.CallID,
		Status:     report.StatusFailed,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      err.Error(),
	})
	return Result{Success: false, Error: err.Error(), CallID: rec.CallID}, err
}
