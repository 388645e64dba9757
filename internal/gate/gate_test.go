package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	subscribed bool
	err        error
}

func (s *stubChecker) IsSubscribed(context.Context, int64) (bool, error) {
	return s.subscribed, s.err
}

func testGate(t *testing.T, checker Checker) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := Config{FreeDays: 3, FreeDownloads: 5, YouTubeFullFreeCount: 3, InstagramCheckEvery: 3}
	return New(rdb, checker, cfg, zerolog.Nop()), mr
}

// expireGrace backdates first contact and burns the free download budget.
func expireGrace(t *testing.T, mr *miniredis.Miniredis, userID int64, total int) {
	t.Helper()
	old := time.Now().Add(-30 * 24 * time.Hour).Unix()
	mr.Set(fmt.Sprintf("gate:first_seen:%d", userID), strconv.FormatInt(old, 10))
	mr.Set(fmt.Sprintf("gate:total:%d", userID), strconv.Itoa(total))
}

func TestSubscriberAlwaysAllowed(t *testing.T) {
	g, mr := testGate(t, &stubChecker{subscribed: true})
	expireGrace(t, mr, 1, 100)
	mr.Set("gate:count:youtube_full:1", "50")

	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))
}

func TestCheckerErrorAllows(t *testing.T) {
	g, mr := testGate(t, &stubChecker{err: errors.New("api down")})
	expireGrace(t, mr, 1, 100)
	mr.Set("gate:count:youtube_full:1", "50")

	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))
}

func TestNewUserInFreePeriod(t *testing.T) {
	g, _ := testGate(t, &stubChecker{})

	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))
}

func TestFreeDownloadBudget(t *testing.T) {
	g, mr := testGate(t, &stubChecker{})
	old := time.Now().Add(-30 * 24 * time.Hour).Unix()
	mr.Set("gate:first_seen:1", strconv.FormatInt(old, 10))
	mr.Set("gate:total:1", "4") // under the budget of 5

	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))
}

func TestFreePlatformsNeverPrompt(t *testing.T) {
	g, mr := testGate(t, &stubChecker{})
	expireGrace(t, mr, 1, 100)

	for _, key := range []string{"tiktok", "pinterest", "youtube_shorts"} {
		assert.Equal(t, Allow, g.Check(context.Background(), 1, key), key)
	}
}

func TestYouTubeFullPromptsPastFreeCount(t *testing.T) {
	g, mr := testGate(t, &stubChecker{})
	expireGrace(t, mr, 1, 100)

	mr.Set("gate:count:youtube_full:1", "2")
	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))

	mr.Set("gate:count:youtube_full:1", "3")
	assert.Equal(t, Prompt, g.Check(context.Background(), 1, "youtube_full"))
}

func TestInstagramPromptsEveryThird(t *testing.T) {
	g, mr := testGate(t, &stubChecker{})
	expireGrace(t, mr, 1, 100)

	// The counter holds completed downloads, so count 2 means the request
	// at hand is the third.
	for count, want := range map[string]Decision{
		"0": Allow, "1": Allow, "2": Prompt, "3": Allow, "4": Allow, "5": Prompt, "8": Prompt,
	} {
		mr.Set("gate:count:instagram:1", count)
		assert.Equal(t, want, g.Check(context.Background(), 1, "instagram_reel"), "count %s", count)
	}
}

func TestRecordDownloadBumpsCounters(t *testing.T) {
	g, mr := testGate(t, &stubChecker{})
	ctx := context.Background()

	g.RecordDownload(ctx, 7, "youtube_full")
	g.RecordDownload(ctx, 7, "instagram_post")
	g.RecordDownload(ctx, 7, "tiktok")

	require.Equal(t, "3", mustGet(t, mr, "gate:total:7"))
	assert.Equal(t, "1", mustGet(t, mr, "gate:count:youtube_full:7"))
	assert.Equal(t, "1", mustGet(t, mr, "gate:count:instagram:7"))
}

func TestStoreFailureAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := New(rdb, &stubChecker{}, Config{FreeDays: 3, FreeDownloads: 5, YouTubeFullFreeCount: 3}, zerolog.Nop())
	mr.Close()

	assert.Equal(t, Allow, g.Check(context.Background(), 1, "youtube_full"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
