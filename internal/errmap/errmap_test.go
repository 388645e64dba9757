package errmap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOrderedRules(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		sourceKey string
		want      string
	}{
		{"private account", "ERROR: This account is private", "instagram_post", KeyPrivate},
		{"sign in wall", "Sign in to confirm you're not a bot", "youtube_full", KeyPrivate},
		{"too large", "File is too large (3.1GiB)", "youtube_full", KeyTooLarge},
		{"deleted video", "ERROR: Video unavailable. Removed by the uploader", "youtube_full", KeyNotFound},
		{"http 404", "HTTP Error 404: Not Found", "tiktok", KeyNotFound},
		{"story expired", "HTTP Error 404: Not Found", "instagram_story", KeyStory},
		{"timeout", "context deadline exceeded", "tiktok", KeyTimeout},
		{"geo block", "The uploader has not made this video available in your country", "youtube_full", KeyRegion},
		{"processing", "This video is still processing", "youtube_full", KeyProcessing},
		{"conn reset", "read: connection reset by peer", "pinterest", KeyConnection},
		{"quota", "RapidAPI quota exceeded", "instagram_reel", KeyAPI},
		{"generic unavailable", "unable to extract video data", "tiktok", KeyUnavailable},
		{"gibberish", "wat", "tiktok", KeyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Map(tt.raw, tt.sourceKey))
		})
	}
}

func TestMapPrefersSpecificOverGeneric(t *testing.T) {
	// "private" must win over the later "unavailable" marker.
	got := Map("video unavailable: this account is private", "instagram_post")
	assert.Equal(t, KeyPrivate, got)
}

func TestMessagesFallbackChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
en:
  private: "en private"
  unknown: "en unknown"
de:
  private: "de privat"
`), 0o644))

	m, err := LoadMessages(path, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "de privat", m.Get(KeyPrivate, "de"))
	// de has no "unknown": falls to en.
	assert.Equal(t, "en unknown", m.Get(KeyUnknown, "de"))
	// nobody has "timeout": falls to builtin.
	assert.Equal(t, builtin[KeyTimeout], m.Get(KeyTimeout, "de"))
}

func TestMessagesMissingFileUsesBuiltin(t *testing.T) {
	m, err := LoadMessages(filepath.Join(t.TempDir(), "nope.yaml"), zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, builtin[KeyPrivate], m.Get(KeyPrivate, "en"))
	assert.Equal(t, builtin[KeyUnknown], m.Get("no-such-key", "en"))
}

func TestMessagesHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("en:\n  private: \"v1\"\n"), 0o644))

	m, err := LoadMessages(path, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, "v1", m.Get(KeyPrivate, "en"))

	require.NoError(t, os.WriteFile(path, []byte("en:\n  private: \"v2\"\n"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get(KeyPrivate, "en") == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("messages file change was not picked up")
}

func TestUserMessage(t *testing.T) {
	m, err := LoadMessages("", zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, builtin[KeyTimeout], m.UserMessage("operation timed out", "tiktok", "en"))
}
