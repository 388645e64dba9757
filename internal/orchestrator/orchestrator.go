// SPDX-License-Identifier: MIT

// Package orchestrator runs one download request end to end: classify,
// consult the artifact cache, gate, reserve slots, execute the provider
// chain, post-process and deliver, then record telemetry. Slot release and
// temp cleanup are unconditional.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/savebot/savebot/internal/actionlog"
	"github.com/savebot/savebot/internal/artifact"
	"github.com/savebot/savebot/internal/chain"
	"github.com/savebot/savebot/internal/delivery"
	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/gate"
	"github.com/savebot/savebot/internal/intake"
	"github.com/savebot/savebot/internal/log"
	"github.com/savebot/savebot/internal/metrics"
	"github.com/savebot/savebot/internal/postproc"
	"github.com/savebot/savebot/internal/progress"
	"github.com/savebot/savebot/internal/provider"
	"github.com/savebot/savebot/internal/routing"
	"github.com/savebot/savebot/internal/slots"
	"github.com/savebot/savebot/internal/telemetry"
	"github.com/savebot/savebot/internal/transport"
)

// Request is one user message that passed URL extraction.
type Request struct {
	ChatID          int64
	UserID          int64
	URL             string
	Lang            string
	StatusMessageID int
}

// fallbackHosts fills download_host telemetry when a provider does not
// expose the CDN it pulled from.
var fallbackHosts = map[intake.Platform]string{
	intake.PlatformYouTube:   "googlevideo.com",
	intake.PlatformTikTok:    "tiktokcdn.com",
	intake.PlatformInstagram: "cdninstagram.com",
	intake.PlatformPinterest: "pinimg.com",
}

func downloadHost(res *provider.Result, platform intake.Platform) string {
	if res.DownloadHost != "" {
		return res.DownloadHost
	}
	return fallbackHosts[platform]
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	resolver  *intake.Resolver
	cache     *artifact.Cache
	gate      *gate.Gate
	slots     *slots.Controller
	routes    *routing.Engine
	executor  *chain.Executor
	post      *postproc.Processor
	deliverer *delivery.Deliverer
	messages  *errmap.Messages
	tr        transport.Transport
	logs      *actionlog.Store

	downloadDir string
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// Deps collects the stage implementations.
type Deps struct {
	Resolver  *intake.Resolver
	Cache     *artifact.Cache
	Gate      *gate.Gate
	Slots     *slots.Controller
	Routes    *routing.Engine
	Executor  *chain.Executor
	Post      *postproc.Processor
	Deliverer *delivery.Deliverer
	Messages  *errmap.Messages
	Transport transport.Transport
	Logs      *actionlog.Store

	DownloadDir string
}

func New(d Deps, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		resolver:    d.Resolver,
		cache:       d.Cache,
		gate:        d.Gate,
		slots:       d.Slots,
		routes:      d.Routes,
		executor:    d.Executor,
		post:        d.Post,
		deliverer:   d.Deliverer,
		messages:    d.Messages,
		tr:          d.Transport,
		logs:        d.Logs,
		downloadDir: d.DownloadDir,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		tracer:      telemetry.Tracer("orchestrator"),
	}
}

// Handle processes one request to completion. It never returns an error:
// every failure path ends in a user-facing message and a telemetry row.
func (o *Orchestrator) Handle(ctx context.Context, req Request) {
	reqStart := time.Now()
	ctx = log.ContextWithCorrelationID(ctx, uuid.NewString())
	ctx = log.ContextWithUserID(ctx, req.UserID)
	logger := log.WithContext(ctx, o.logger)

	ctx, span := o.tracer.Start(ctx, "download_request")
	defer span.End()

	resolved := o.resolver.ResolveShortURL(ctx, req.URL)
	platform, bucket, err := intake.Classify(resolved)
	if err != nil {
		o.editStatus(ctx, req, o.messages.Get(errmap.KeyUnknown, req.Lang))
		return
	}

	fp := artifact.Fingerprint(intake.Canonicalize(resolved))
	sourceKey := intake.SourceKey(platform, bucket)
	span.SetAttributes(telemetry.RequestAttributes(string(platform), string(bucket), sourceKey)...)
	logger = logger.With().Str("source_key", sourceKey).Str("fingerprint", fp).Logger()

	if o.tryCached(ctx, req, fp, sourceKey, platform, bucket, logger) {
		return
	}

	if o.gate.Check(ctx, req.UserID, sourceKey) == gate.Prompt {
		o.editStatus(ctx, req, o.messages.Get(errmap.KeyFlyer, req.Lang))
		o.logs.Write(ctx, actionlog.Entry{
			UserRef: req.UserID,
			Action:  actionlog.ActionFlyerAdShown,
			Details: actionlog.GateDetails{SourceKey: sourceKey},
		})
		return
	}

	if err := o.slots.AcquireUser(ctx, req.UserID); err != nil {
		if errors.Is(err, slots.ErrSlotUnavailable) {
			metrics.RecordDownload(string(platform), string(bucket), "rejected_busy")
			o.logs.Write(ctx, actionlog.Entry{
				UserRef: req.UserID,
				Action:  actionlog.ActionRejectedBusy,
				Details: actionlog.FailureDetails{SourceKey: sourceKey},
			})
			o.editStatus(ctx, req, o.messages.Get(errmap.KeyBusy, req.Lang))
			return
		}
		logger.Warn().Err(err).Msg("user slot acquire failed, proceeding")
	}
	defer o.slots.ReleaseUser(ctx, req.UserID)

	o.slots.IncActiveDownloads(ctx)
	defer o.slots.DecActiveDownloads(ctx)

	tmpDir, err := os.MkdirTemp(o.downloadDir, "dl-")
	if err != nil {
		logger.Error().Err(err).Msg("temp dir creation failed")
		o.editStatus(ctx, req, o.messages.Get(errmap.KeyUnknown, req.Lang))
		return
	}
	defer func() {
		if rerr := os.RemoveAll(tmpDir); rerr != nil {
			logger.Warn().Err(rerr).Str("dir", tmpDir).Msg("temp dir cleanup failed")
		}
	}()

	// A full-length YouTube link may actually be a short; the duration
	// probe refines the bucket before the chain is resolved.
	if platform == intake.PlatformYouTube && bucket == intake.BucketFull {
		bucket = o.executor.PreflightBucket(ctx, resolved)
		sourceKey = intake.SourceKey(platform, bucket)
	}

	ch := o.routes.GetChain(ctx, sourceKey)
	logger.Info().Str("source_key", sourceKey).Bool("override", ch.Override).Msg("starting provider chain")

	updater := progress.NewUpdater(o.tr, req.ChatID, req.StatusMessageID, o.messages, req.Lang, o.logger)
	go updater.Run(ctx)
	defer updater.Stop()

	start := time.Now()
	dlCtx, dlSpan := o.tracer.Start(ctx, "provider_chain")
	res, exErr := o.executor.Execute(dlCtx, ch, chain.Request{
		ResolvedURL: resolved,
		Platform:    platform,
		SourceKey:   sourceKey,
		OutDir:      tmpDir,
		OnProgress: func(p provider.Progress) {
			updater.OnProgress(p.DownloadedBytes, p.TotalBytes)
		},
	})
	dlSpan.End()
	downloadMs := time.Since(start).Milliseconds()
	updater.Stop()

	if exErr != nil {
		span.SetAttributes(telemetry.ErrorAttributes(string(exErr.FirstClass()))...)
		metrics.RecordDownload(string(platform), string(bucket), "failed")
		userKey := errmap.Map(exErr.First, sourceKey)
		o.editStatus(ctx, req, o.messages.Get(userKey, req.Lang))

		provErrs := make(map[string]string, len(exErr.Failures))
		for _, f := range exErr.Failures {
			provErrs[f.Provider] = f.Error
		}
		o.logs.Write(ctx, actionlog.Entry{
			UserRef: req.UserID,
			Action:  actionlog.ActionDownloadFailed,
			Details: actionlog.FailureDetails{
				SourceKey:  sourceKey,
				ErrorClass: string(exErr.FirstClass()),
				UserKey:    userKey,
				Providers:  provErrs,
			},
			DownloadTimeMs: downloadMs,
		})
		return
	}

	metrics.ObserveDownloadDuration(string(platform), time.Since(start).Seconds())
	span.SetAttributes(telemetry.ProviderAttributes(apiSource(res), downloadHost(res, platform), res.FileSize)...)

	if res.IsCarousel() {
		o.deliverCarousel(ctx, req, res, fp, sourceKey, platform, bucket, downloadMs, reqStart, logger)
		return
	}
	o.deliverSingle(ctx, req, res, fp, sourceKey, platform, bucket, downloadMs, reqStart, logger)
}

// tryCached re-sends previously delivered handles. A rejected handle is
// invalidated and the caller falls through to a fresh download.
func (o *Orchestrator) tryCached(ctx context.Context, req Request, fp, sourceKey string, platform intake.Platform, bucket intake.Bucket, logger zerolog.Logger) bool {
	rec, ok := o.cache.Lookup(ctx, fp)
	if !ok {
		metrics.RecordCacheLookup("miss")
		return false
	}
	if err := o.tr.SendCachedVideo(ctx, req.ChatID, rec.VideoHandle, delivery.BuildCaption(sourceKey, "", "", 0)); err != nil {
		logger.Warn().Err(err).Msg("cached handle rejected, invalidating")
		o.cache.Invalidate(ctx, fp)
		metrics.RecordCacheLookup("invalidated")
		return false
	}
	if rec.AudioHandle != "" {
		if err := o.tr.SendCachedAudio(ctx, req.ChatID, rec.AudioHandle, ""); err != nil {
			logger.Debug().Err(err).Msg("cached audio re-send failed")
		}
	}
	metrics.RecordCacheLookup("hit")
	metrics.RecordDownload(string(platform), string(bucket), "cache_hit")
	o.deleteStatus(ctx, req)
	o.gate.RecordDownload(ctx, req.UserID, sourceKey)
	o.logs.Write(ctx, actionlog.Entry{
		UserRef: req.UserID,
		Action:  actionlog.ActionCacheHit,
		Details: actionlog.SuccessDetails{SourceKey: sourceKey, Fingerprint: fp},
	})
	return true
}

func (o *Orchestrator) deliverSingle(ctx context.Context, req Request, res *provider.Result, fp, sourceKey string, platform intake.Platform, bucket intake.Bucket, downloadMs int64, reqStart time.Time, logger zerolog.Logger) {
	var handle string
	var uploadMs int64
	var err error

	mediaType := "video"
	if res.IsPhoto {
		mediaType = "photo"
		handle, uploadMs, err = o.deliverer.SendPhoto(ctx, req.ChatID, delivery.Item{
			Path:    res.LocalPath,
			IsPhoto: true,
			Size:    res.FileSize,
			Caption: delivery.BuildCaption(sourceKey, "", "", 0),
		})
	} else {
		handle, uploadMs, err = o.processAndSendVideo(ctx, req, res, sourceKey)
	}

	switch {
	case errors.Is(err, delivery.ErrTooLarge):
		metrics.RecordDownload(string(platform), string(bucket), "rejected_size")
		o.editStatus(ctx, req, o.messages.Get(errmap.KeyTooLarge, req.Lang))
		o.logs.Write(ctx, actionlog.Entry{
			UserRef:       req.UserID,
			Action:        actionlog.ActionRejectedSize,
			Details:       actionlog.FailureDetails{SourceKey: sourceKey},
			FileSizeBytes: res.FileSize,
		})
		return
	case err != nil:
		metrics.RecordDownload(string(platform), string(bucket), "upload_failed")
		logger.Error().Err(err).Msg("delivery failed")
		if !transport.IsForbidden(err) {
			o.editStatus(ctx, req, o.messages.Get(errmap.KeyConnection, req.Lang))
		}
		o.logs.Write(ctx, actionlog.Entry{
			UserRef: req.UserID,
			Action:  actionlog.ActionUploadFailed,
			Details: actionlog.FailureDetails{SourceKey: sourceKey},
		})
		return
	}

	metrics.RecordDownload(string(platform), string(bucket), "success")
	o.deleteStatus(ctx, req)
	if handle != "" {
		o.cache.Store(ctx, fp, artifact.Record{VideoHandle: handle})
	}
	o.gate.RecordDownload(ctx, req.UserID, sourceKey)
	o.logs.Write(ctx, actionlog.Entry{
		UserRef:        req.UserID,
		Action:         actionlog.ActionDownloadSuccess,
		APISource:      apiSource(res),
		DownloadTimeMs: downloadMs,
		FileSizeBytes:  res.FileSize,
		SpeedKbps:      actionlog.SpeedKbps(res.FileSize, downloadMs),
		Details: actionlog.SuccessDetails{
			SourceKey:     sourceKey,
			Provider:      apiSource(res),
			Fingerprint:   fp,
			Type:          mediaType,
			DownloadHost:  downloadHost(res, platform),
			PrepMs:        res.PrepMs,
			UploadMs:      uploadMs,
			TotalMs:       time.Since(reqStart).Milliseconds(),
			FlyerRequired: true,
			Quota:         res.QuotaRemaining,
		},
	})
	logger.Info().Int64("size", res.FileSize).Int64("ms", downloadMs).Msg("request completed")
}

// processAndSendVideo runs the post-processing steps and uploads the result.
func (o *Orchestrator) processAndSendVideo(ctx context.Context, req Request, res *provider.Result, sourceKey string) (string, int64, error) {
	ctx2, span := o.tracer.Start(ctx, "postprocess")
	ppStart := time.Now()

	path := res.LocalPath
	if res.AudioTrackPath != "" {
		if merged, merr := o.post.MergeStreams(ctx2, path, res.AudioTrackPath, res.VideoCodec); merr == nil {
			path = merged
		} else {
			o.logger.Warn().Err(merr).Msg("stream merge failed, delivering video track only")
		}
	}

	path = o.post.FixVideo(ctx2, path)
	path = o.post.EnsureFaststart(ctx2, path)

	info, perr := o.post.Probe(ctx2, path)
	if perr != nil {
		info = &postproc.StreamInfo{}
	}
	thumb := o.post.PrepareThumbnail(ctx2, res.Info.ThumbnailURL, path, info)

	metrics.ObservePostprocDuration("video", time.Since(ppStart).Seconds())
	span.End()

	size := res.FileSize
	if st, serr := os.Stat(path); serr == nil {
		size = st.Size()
	}

	quality := ""
	if info.Height > 0 {
		quality = fmt.Sprintf("%dp", info.Height)
	}
	caption := delivery.BuildCaption(sourceKey, res.Info.Title, quality, info.DurationSec)

	o.slots.IncActiveUploads(ctx)
	defer o.slots.DecActiveUploads(ctx)

	return o.deliverer.SendVideo(ctx, req.ChatID, delivery.Item{
		Path:        path,
		Size:        size,
		Caption:     caption,
		ThumbPath:   thumb,
		Width:       info.Width,
		Height:      info.Height,
		DurationSec: info.DurationSec,
	}, sourceKey)
}


// deliverCarousel sends a multi-item post as albums, then a best-effort
// audio track extracted from the first video.
func (o *Orchestrator) deliverCarousel(ctx context.Context, req Request, res *provider.Result, fp, sourceKey string, platform intake.Platform, bucket intake.Bucket, downloadMs int64, reqStart time.Time, logger zerolog.Logger) {
	items := make([]delivery.Item, 0, len(res.Items))
	var firstVideo string
	for _, it := range res.Items {
		path := it.LocalPath
		if !it.IsPhoto {
			path = o.post.EnsureFaststart(ctx, path)
			if firstVideo == "" {
				firstVideo = path
			}
		}
		items = append(items, delivery.Item{Path: path, IsPhoto: it.IsPhoto, Size: it.FileSize})
	}

	o.slots.IncActiveUploads(ctx)
	defer o.slots.DecActiveUploads(ctx)

	caption := delivery.BuildCaption(sourceKey, "", "", 0)
	uploadMs, err := o.deliverer.SendAlbum(ctx, req.ChatID, items, caption)
	if err != nil {
		metrics.RecordDownload(string(platform), string(bucket), "upload_failed")
		logger.Error().Err(err).Msg("carousel delivery failed")
		if !transport.IsForbidden(err) {
			o.editStatus(ctx, req, o.messages.Get(errmap.KeyConnection, req.Lang))
		}
		o.logs.Write(ctx, actionlog.Entry{
			UserRef: req.UserID,
			Action:  actionlog.ActionUploadFailed,
			Details: actionlog.FailureDetails{SourceKey: sourceKey},
		})
		return
	}

	if firstVideo != "" {
		if audioPath, aerr := o.post.ExtractAudio(ctx, firstVideo); aerr == nil {
			if _, _, serr := o.deliverer.SendAudio(ctx, req.ChatID, delivery.Item{Path: audioPath}, res.Info.Title, res.Info.Author); serr != nil {
				logger.Debug().Err(serr).Msg("carousel audio follow-up failed")
			}
		}
	}

	metrics.RecordDownload(string(platform), string(bucket), "success")
	o.deleteStatus(ctx, req)
	o.gate.RecordDownload(ctx, req.UserID, sourceKey)
	o.logs.Write(ctx, actionlog.Entry{
		UserRef:        req.UserID,
		Action:         actionlog.ActionDownloadSuccess,
		APISource:      apiSource(res),
		DownloadTimeMs: downloadMs,
		Details: actionlog.SuccessDetails{
			SourceKey:     sourceKey,
			Provider:      apiSource(res),
			Fingerprint:   fp,
			Type:          "carousel",
			DownloadHost:  downloadHost(res, platform),
			Items:         len(res.Items),
			PrepMs:        res.PrepMs,
			UploadMs:      uploadMs,
			TotalMs:       time.Since(reqStart).Milliseconds(),
			FlyerRequired: true,
			Quota:         res.QuotaRemaining,
		},
	})
}

func (o *Orchestrator) editStatus(ctx context.Context, req Request, text string) {
	if req.StatusMessageID == 0 {
		if _, err := o.tr.SendMessage(ctx, req.ChatID, text); err != nil {
			o.logger.Debug().Err(err).Msg("status send failed")
		}
		return
	}
	if err := o.tr.EditMessageText(ctx, req.ChatID, req.StatusMessageID, text); err != nil {
		o.logger.Debug().Err(err).Msg("status edit failed")
	}
}

func (o *Orchestrator) deleteStatus(ctx context.Context, req Request) {
	if req.StatusMessageID == 0 {
		return
	}
	if err := o.tr.DeleteMessage(ctx, req.ChatID, req.StatusMessageID); err != nil {
		o.logger.Debug().Err(err).Msg("status delete failed")
	}
}

func apiSource(res *provider.Result) string {
	if res.Provider != "" {
		return res.Provider
	}
	return "unknown"
}
