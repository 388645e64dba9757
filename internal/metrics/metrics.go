// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the download pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_downloads_total",
		Help: "Download requests by platform, bucket and outcome",
	}, []string{"platform", "bucket", "outcome"}) // outcome=success|error|cached|rejected

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_provider_errors_total",
		Help: "Provider failures by provider name and error class",
	}, []string{"provider", "class"}) // class=hard_kill|stall|provider_bug

	providerFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_provider_fallbacks_total",
		Help: "Chain traversals that advanced past the named provider",
	}, []string{"provider"})

	slotRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_slot_rejections_total",
		Help: "Slot acquisitions rejected at cap",
	}, []string{"slot"}) // slot=user|ffmpeg

	uploadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savebot_upload_retries_total",
		Help: "Upload attempts beyond the first",
	})

	uploadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_upload_failures_total",
		Help: "Terminal upload failures by kind",
	}, []string{"kind"}) // kind=transient_exhausted|permanent|too_large

	downloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "savebot_download_duration_seconds",
		Help:    "Wall time of the provider download stage",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"platform"})

	postprocDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "savebot_postprocess_duration_seconds",
		Help:    "Wall time of the ffmpeg post-processing stage",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"step"}) // step=fix|faststart|thumbnail|merge|audio

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_artifact_cache_total",
		Help: "Artifact cache lookups by result",
	}, []string{"result"}) // result=hit|miss|stale

	gateChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savebot_gate_checks_total",
		Help: "Gate evaluations by decision",
	}, []string{"decision"}) // decision=free|allowed|blocked|error
)

// RecordDownload counts a terminal request outcome.
func RecordDownload(platform, bucket, outcome string) {
	downloadsTotal.WithLabelValues(platform, bucket, outcome).Inc()
}

// RecordProviderError counts a classified provider failure.
func RecordProviderError(provider, class string) {
	providerErrorsTotal.WithLabelValues(provider, class).Inc()
}

// RecordProviderFallback counts chain advancement past a failed provider.
func RecordProviderFallback(provider string) {
	providerFallbacksTotal.WithLabelValues(provider).Inc()
}

// RecordSlotRejection counts a slot acquisition rejected at cap.
func RecordSlotRejection(slot string) {
	slotRejectionsTotal.WithLabelValues(slot).Inc()
}

// RecordUploadRetry counts an upload attempt beyond the first.
func RecordUploadRetry() { uploadRetriesTotal.Inc() }

// RecordUploadFailure counts a terminal upload failure.
func RecordUploadFailure(kind string) { uploadFailuresTotal.WithLabelValues(kind).Inc() }

// ObserveDownloadDuration records provider download wall time.
func ObserveDownloadDuration(platform string, seconds float64) {
	downloadDuration.WithLabelValues(platform).Observe(seconds)
}

// ObservePostprocDuration records a post-processing step's wall time.
func ObservePostprocDuration(step string, seconds float64) {
	postprocDuration.WithLabelValues(step).Observe(seconds)
}

// RecordCacheLookup counts an artifact cache lookup result.
func RecordCacheLookup(result string) { cacheHitsTotal.WithLabelValues(result).Inc() }

// RecordGateCheck counts a gate evaluation decision.
func RecordGateCheck(decision string) { gateChecksTotal.WithLabelValues(decision).Inc() }
