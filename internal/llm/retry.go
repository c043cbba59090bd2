package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sparlo/internal/config"
)

// Retrier wraps a Generator with exponential backoff. Context cancellation is
// never retried; everything else is treated as transient up to MaxAttempts.
type Retrier struct {
	Next         Generator
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Log          *zap.Logger
}

func NewRetrier(next Generator, cfg *config.Config, log *zap.Logger) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrier{
		Next:         next,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.RetryInitialDelay(),
		MaxDelay:     cfg.RetryMaxDelay(),
		Multiplier:   cfg.Retry.Multiplier,
		Log:          log,
	}
}

func (r *Retrier) Generate(ctx context.Context, req Request) (Result, error) {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := r.Next.Generate(ctx, req)
		if err == nil {
			if attempt > 1 {
				r.Log.Info("generation retry succeeded",
					zap.String("report_id", req.ReportID),
					zap.String("stage", req.Stage.ID),
					zap.Int("attempt", attempt),
				)
			}
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("stage %s generation (attempt %d/%d): %w", req.Stage.ID, attempt, attempts, err)
		}
		if attempt == attempts {
			break
		}

		r.Log.Warn("generation failed, retrying",
			zap.String("report_id", req.ReportID),
			zap.String("stage", req.Stage.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("stage %s generation (attempt %d/%d): %w", req.Stage.ID, attempt, attempts, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.Multiplier)
		if delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}

	r.Log.Error("generation retries exhausted",
		zap.String("report_id", req.ReportID),
		zap.String("stage", req.Stage.ID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return Result{}, fmt.Errorf("stage %s generation failed after %d attempts: %w", req.Stage.ID, attempts, lastErr)
}
