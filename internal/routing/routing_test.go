package routing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEngine(t *testing.T) (*miniredis.Miniredis, *Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewEngine(client, zerolog.Nop())
}

func names(c Chain) []string {
	out := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, p.Name)
	}
	return out
}

func TestDefaultsWhenStoreEmpty(t *testing.T) {
	_, e := setupEngine(t)

	chain := e.GetChain(context.Background(), "youtube_full")
	assert.False(t, chain.Override)
	if diff := cmp.Diff([]string{"ytdlp", "pytubefix", "savenow"}, names(chain)); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}

	chain = e.GetChain(context.Background(), "instagram_reel")
	assert.Equal(t, []string{"rapidapi"}, names(chain))
}

func TestEveryKnownKeyNonEmpty(t *testing.T) {
	_, e := setupEngine(t)
	keys := []string{
		"youtube_full", "youtube_shorts", "tiktok", "pinterest",
		"instagram_reel", "instagram_post", "instagram_story", "instagram_carousel",
	}
	for _, key := range keys {
		chain := e.GetChain(context.Background(), key)
		require.NotEmpty(t, chain.Providers, "key %s", key)
	}
}

func TestBaselineFromStore(t *testing.T) {
	mr, e := setupEngine(t)

	specs := []ProviderSpec{
		{Name: "savenow", Enabled: true, DownloadTimeoutSec: 120, ConnectTimeoutSec: 10},
		{Name: "ytdlp", Enabled: false},
		{Name: "pytubefix", Enabled: true},
	}
	data, _ := json.Marshal(specs)
	mr.Set("routing:youtube_full", string(data))

	chain := e.GetChain(context.Background(), "youtube_full")
	require.Len(t, chain.Providers, 2)
	assert.Equal(t, "savenow", chain.Providers[0].Name)
	assert.Equal(t, 120, chain.Providers[0].DownloadTimeoutSec)
	// Disabled entries are skipped; missing timeouts take defaults.
	assert.Equal(t, "pytubefix", chain.Providers[1].Name)
	assert.Equal(t, 60, chain.Providers[1].DownloadTimeoutSec)
	assert.Equal(t, 5, chain.Providers[1].ConnectTimeoutSec)
}

func TestOverrideBeatsBaseline(t *testing.T) {
	mr, e := setupEngine(t)

	baseline, _ := json.Marshal([]ProviderSpec{{Name: "ytdlp", Enabled: true}})
	mr.Set("routing:tiktok", string(baseline))

	ov, _ := json.Marshal(override{
		Chain:     []string{"rapidapi"},
		ExpiresAt: time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	mr.Set("routing_override:tiktok", string(ov))

	chain := e.GetChain(context.Background(), "tiktok")
	assert.True(t, chain.Override)
	assert.Equal(t, []string{"rapidapi"}, names(chain))
}

func TestExpiredOverrideIgnored(t *testing.T) {
	mr, e := setupEngine(t)

	ov, _ := json.Marshal(override{
		Chain:     []string{"rapidapi"},
		ExpiresAt: time.Now().Add(-time.Minute).Format(time.RFC3339),
	})
	mr.Set("routing_override:youtube_full", string(ov))

	chain := e.GetChain(context.Background(), "youtube_full")
	assert.False(t, chain.Override)
	assert.Equal(t, []string{"ytdlp", "pytubefix", "savenow"}, names(chain))
}

func TestMalformedStoreFallsThrough(t *testing.T) {
	mr, e := setupEngine(t)

	mr.Set("routing:pinterest", "{not json")
	mr.Set("routing_override:pinterest", "also not json")

	chain := e.GetChain(context.Background(), "pinterest")
	assert.Equal(t, []string{"ytdlp", "rapidapi"}, names(chain))
}

func TestStoreDownFallsThrough(t *testing.T) {
	mr, e := setupEngine(t)
	mr.Close()

	chain := e.GetChain(context.Background(), "youtube_shorts")
	assert.NotEmpty(t, chain.Providers)
}

func TestUnknownKeyStillNonEmpty(t *testing.T) {
	_, e := setupEngine(t)
	chain := e.GetChain(context.Background(), "bogus_key")
	assert.NotEmpty(t, chain.Providers)
}
