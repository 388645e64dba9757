// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the pipeline stage spans.
const (
	PlatformKey     = "download.platform"
	BucketKey       = "download.bucket"
	SourceKeyKey    = "download.source_key"
	FingerprintKey  = "download.fingerprint"
	ProviderKey     = "provider.name"
	ProviderHostKey = "provider.download_host"
	FileSizeKey     = "file.size_bytes"
	StageKey        = "stage"
	StageDurationMS = "stage.duration_ms"

	ErrorKey      = "error"
	ErrorClassKey = "error.class"
)

// RequestAttributes tags a pipeline span with the request identity.
func RequestAttributes(platform, bucket, sourceKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PlatformKey, platform),
		attribute.String(BucketKey, bucket),
		attribute.String(SourceKeyKey, sourceKey),
	}
}

// ProviderAttributes tags a download span with the provider outcome.
func ProviderAttributes(name, downloadHost string, sizeBytes int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ProviderKey, name),
	}
	if downloadHost != "" {
		attrs = append(attrs, attribute.String(ProviderHostKey, downloadHost))
	}
	if sizeBytes > 0 {
		attrs = append(attrs, attribute.Int64(FileSizeKey, sizeBytes))
	}
	return attrs
}

// StageAttributes tags a span as one pipeline stage.
func StageAttributes(stage string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StageKey, stage),
		attribute.Int64(StageDurationMS, durationMS),
	}
}

// ErrorAttributes marks a span failed with its error class.
func ErrorAttributes(class string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorClassKey, class),
	}
}
