// SPDX-License-Identifier: MIT

// Package chain walks a provider chain until one provider delivers, with
// error classification and a transient in-place retry for flaky sources.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/savebot/savebot/internal/intake"
	"github.com/savebot/savebot/internal/metrics"
	"github.com/savebot/savebot/internal/provider"
	"github.com/savebot/savebot/internal/routing"
)

const (
	transientRetryDelay = 3 * time.Second
	preflightBudget     = 15 * time.Second
	shortsMaxDurationS  = 60
)

// Request carries the executor's view of one download request.
type Request struct {
	ResolvedURL string
	Platform    intake.Platform
	SourceKey   string
	OutDir      string
	OnProgress  provider.ProgressFunc
}

// ProviderFailure records one provider's failed attempt.
type ProviderFailure struct {
	Provider string
	Error    string
	Class    Class
}

// ExhaustedError is returned when every provider in the chain failed. The
// first provider's error text is the canonical surface error.
type ExhaustedError struct {
	First    string
	Failures []ProviderFailure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("chain exhausted after %d providers: %s", len(e.Failures), e.First)
}

// FirstClass returns the error class of the first provider's failure.
func (e *ExhaustedError) FirstClass() Class {
	if len(e.Failures) == 0 {
		return ClassProviderBug
	}
	return e.Failures[0].Class
}

// Executor runs provider chains.
type Executor struct {
	registry *provider.Registry
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewExecutor builds an Executor over the given registry.
func NewExecutor(registry *provider.Registry, logger zerolog.Logger) *Executor {
	return &Executor{registry: registry, logger: logger, sleep: sleepCtx}
}

// Execute tries each enabled provider in order and returns the first
// success. On total failure the ExhaustedError carries the per-provider
// failure list for telemetry.
func (ex *Executor) Execute(ctx context.Context, ch routing.Chain, req Request) (*provider.Result, *ExhaustedError) {
	retryEligible := req.SourceKey == "tiktok" || req.SourceKey == "pinterest"

	var failures []ProviderFailure
	for i, spec := range ch.Providers {
		p, err := ex.registry.Get(spec.Name)
		if err != nil {
			ex.logger.Warn().Str("provider", spec.Name).Msg("chain names unregistered provider, skipping")
			continue
		}

		opts := provider.Options{
			ConnectTimeout:  time.Duration(spec.ConnectTimeoutSec) * time.Second,
			DownloadTimeout: time.Duration(spec.DownloadTimeoutSec) * time.Second,
			OutDir:          req.OutDir,
			OnProgress:      req.OnProgress,
		}

		res, dlErr := p.Download(ctx, req.ResolvedURL, opts)
		if dlErr == nil {
			res.Provider = spec.Name
			return res, nil
		}

		// First attempt on a flaky source: retry the same provider once
		// when the failure looks transient and nothing marks it permanent.
		if retryEligible && i == 0 && isTransient(dlErr.Error()) {
			ex.logger.Info().Str("provider", spec.Name).Err(dlErr).Msg("transient failure, retrying provider once")
			if serr := ex.sleep(ctx, transientRetryDelay); serr == nil {
				if res, dlErr = p.Download(ctx, req.ResolvedURL, opts); dlErr == nil {
					res.Provider = spec.Name
					return res, nil
				}
			}
		}

		class := Classify(dlErr.Error())
		metrics.RecordProviderError(spec.Name, string(class))
		metrics.RecordProviderFallback(spec.Name)
		ex.logger.Warn().
			Str("provider", spec.Name).
			Str("class", string(class)).
			Str("source_key", req.SourceKey).
			Err(dlErr).
			Msg("provider failed, advancing chain")

		failures = append(failures, ProviderFailure{
			Provider: spec.Name,
			Error:    dlErr.Error(),
			Class:    class,
		})

		if ctx.Err() != nil {
			break
		}
	}

	if len(failures) == 0 {
		failures = append(failures, ProviderFailure{
			Provider: "none",
			Error:    "no usable providers in chain",
			Class:    ClassProviderBug,
		})
	}
	return nil, &ExhaustedError{First: failures[0].Error, Failures: failures}
}

// PreflightBucket refines the YouTube bucket before chain resolution using
// a cheap duration probe against the secondary provider. A probe failure
// falls back to the full bucket.
func (ex *Executor) PreflightBucket(ctx context.Context, url string) intake.Bucket {
	p, err := ex.registry.Get("pytubefix")
	if err != nil {
		return intake.BucketFull
	}
	infoer, ok := p.(provider.Infoer)
	if !ok {
		return intake.BucketFull
	}

	ctx, cancel := context.WithTimeout(ctx, preflightBudget)
	defer cancel()

	info, err := infoer.GetInfo(ctx, url)
	if err != nil || info.DurationSec == 0 {
		ex.logger.Debug().Err(err).Msg("duration preflight failed, assuming full video")
		return intake.BucketFull
	}
	if info.DurationSec <= shortsMaxDurationS {
		return intake.BucketShorts
	}
	return intake.BucketFull
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
