package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestAttributes(t *testing.T) {
	attrs := RequestAttributes("youtube", "full", "youtube_full")
	assert.Len(t, attrs, 3)
	assert.Equal(t, PlatformKey, string(attrs[0].Key))
	assert.Equal(t, "youtube", attrs[0].Value.AsString())
}

func TestProviderAttributesOptionalFields(t *testing.T) {
	assert.Len(t, ProviderAttributes("ytdlp", "", 0), 1)
	assert.Len(t, ProviderAttributes("ytdlp", "rr3.example", 100), 3)
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("stall")
	assert.Len(t, attrs, 2)
	assert.Equal(t, "stall", attrs[1].Value.AsString())
}
