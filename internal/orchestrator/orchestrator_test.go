package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/savebot/savebot/internal/actionlog"
	"github.com/savebot/savebot/internal/artifact"
	"github.com/savebot/savebot/internal/chain"
	"github.com/savebot/savebot/internal/delivery"
	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/gate"
	"github.com/savebot/savebot/internal/intake"
	"github.com/savebot/savebot/internal/postproc"
	"github.com/savebot/savebot/internal/provider"
	"github.com/savebot/savebot/internal/routing"
	"github.com/savebot/savebot/internal/slots"
	"github.com/savebot/savebot/internal/transport"
)

// fakeTransport records every messenger interaction.
type fakeTransport struct {
	mu           sync.Mutex
	edits        []string
	deleted      int
	videos       int
	photos       int
	audios       int
	albums       int
	cachedVideos []string
	cachedErr    error
	videoErr     error
}

func (f *fakeTransport) SendMessage(context.Context, int64, string) (int, error) { return 99, nil }
func (f *fakeTransport) EditMessageText(_ context.Context, _ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}
func (f *fakeTransport) DeleteMessage(context.Context, int64, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}
func (f *fakeTransport) SendVideo(context.Context, int64, transport.VideoUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos++
	return "vid-1", f.videoErr
}
func (f *fakeTransport) SendPhoto(context.Context, int64, transport.PhotoUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos++
	return "photo-1", nil
}
func (f *fakeTransport) SendAudio(context.Context, int64, transport.AudioUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audios++
	return "audio-1", nil
}
func (f *fakeTransport) SendDocument(context.Context, int64, transport.DocumentUpload) (string, error) {
	return "doc-1", nil
}
func (f *fakeTransport) SendMediaGroup(context.Context, int64, []transport.GroupItem, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums++
	return nil
}
func (f *fakeTransport) SendCachedVideo(_ context.Context, _ int64, fileID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cachedVideos = append(f.cachedVideos, fileID)
	return f.cachedErr
}
func (f *fakeTransport) SendCachedAudio(context.Context, int64, string, string) error { return nil }
func (f *fakeTransport) SendChatAction(context.Context, int64, string) error          { return nil }

func (f *fakeTransport) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

// fakeProvider writes a small file into the request's out dir on success.
type fakeProvider struct {
	name    string
	err     error
	photo   bool
	items   int
	calls   int
	mu      sync.Mutex
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Download(_ context.Context, _ string, opts provider.Options) (*provider.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	mk := func(n string) string {
		path := filepath.Join(opts.OutDir, n)
		if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
			panic(err)
		}
		return path
	}
	res := &provider.Result{
		LocalPath: mk("out.mp4"),
		FileSize:  5,
		IsPhoto:   p.photo,
		Info:      provider.MediaInfo{Title: "clip", Platform: "tiktok"},
	}
	for i := 0; i < p.items; i++ {
		res.Items = append(res.Items, provider.Result{
			LocalPath: mk(fmt.Sprintf("item-%d.jpg", i)),
			IsPhoto:   true,
			FileSize:  5,
		})
	}
	return res, nil
}

type subbedChecker struct{ subscribed bool }

func (c *subbedChecker) IsSubscribed(context.Context, int64) (bool, error) {
	return c.subscribed, nil
}

type harness struct {
	orch   *Orchestrator
	ft     *fakeTransport
	mr     *miniredis.Miniredis
	dbPath string
}

func newHarness(t *testing.T, providers ...provider.Provider) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zerolog.Nop()
	dbPath := filepath.Join(t.TempDir(), "actions.db")
	logs, err := actionlog.Open(dbPath, "savebot", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	msgs, err := errmap.LoadMessages("", logger)
	require.NoError(t, err)
	t.Cleanup(msgs.Close)

	ft := &fakeTransport{}
	registry := provider.NewRegistry(providers...)
	orch := New(Deps{
		Resolver:  intake.NewResolver(nil),
		Cache:     artifact.NewCache(rdb, logger),
		Gate:      gate.New(rdb, &subbedChecker{subscribed: true}, gate.Config{FreeDays: 3, FreeDownloads: 5, YouTubeFullFreeCount: 3, InstagramCheckEvery: 3}, logger),
		Slots:     slots.NewController(rdb, slots.DefaultConfig(), logger),
		Routes:    routing.NewEngine(rdb, logger),
		Executor:  chain.NewExecutor(registry, logger),
		Post:      postproc.New(postproc.Config{FFmpegPath: "/nonexistent/ffmpeg", FFprobePath: "/nonexistent/ffprobe"}, nil, logger),
		Deliverer: delivery.New(ft, delivery.DefaultConfig(), logger),
		Messages:  msgs,
		Transport: ft,
		Logs:      logs,

		DownloadDir: t.TempDir(),
	}, logger)
	return &harness{orch: orch, ft: ft, mr: mr, dbPath: dbPath}
}

func (h *harness) actionCount(t *testing.T, action string) int {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+h.dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM action_logs WHERE action = ?`, action).Scan(&n))
	return n
}

// successDetails returns the decoded details column of the latest
// download_success row.
func (h *harness) successDetails(t *testing.T) map[string]any {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+h.dbPath)
	require.NoError(t, err)
	defer db.Close()
	var raw string
	require.NoError(t, db.QueryRow(
		`SELECT details FROM action_logs WHERE action = ? ORDER BY id DESC LIMIT 1`,
		actionlog.ActionDownloadSuccess).Scan(&raw))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

const tiktokURL = "https://www.tiktok.com/@user/video/7123456789"

func req() Request {
	return Request{ChatID: 10, UserID: 42, URL: tiktokURL, Lang: "en", StatusMessageID: 7}
}

func TestSuccessfulDownloadFlow(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)

	h.orch.Handle(context.Background(), req())

	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 1, h.ft.videos)
	assert.Equal(t, 1, h.ft.deleted, "status message removed on success")
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionDownloadSuccess))

	fp := artifact.Fingerprint(intake.Canonicalize(tiktokURL))
	assert.True(t, h.mr.Exists("artifact:"+fp), "artifact cached after delivery")
}

func TestSuccessRowCarriesStageTelemetry(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)

	h.orch.Handle(context.Background(), req())

	d := h.successDetails(t)
	assert.Equal(t, "video", d["type"])
	assert.Equal(t, "tiktokcdn.com", d["download_host"], "platform fallback when the provider stays silent")
	assert.Equal(t, true, d["flyer_required"])
	assert.Equal(t, "ytdlp", d["provider"])
}

func TestCacheHitSkipsProviders(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)

	// Prime the cache with a first download.
	h.orch.Handle(context.Background(), req())
	require.Equal(t, 1, p.calls)

	h.orch.Handle(context.Background(), req())

	assert.Equal(t, 1, p.calls, "second request must not touch providers")
	assert.Len(t, h.ft.cachedVideos, 1)
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionCacheHit))
}

func TestRejectedCacheHandleFallsThrough(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)

	h.orch.Handle(context.Background(), req())
	require.Equal(t, 1, p.calls)

	h.ft.cachedErr = errors.New("Bad Request: wrong file identifier")
	h.orch.Handle(context.Background(), req())

	assert.Equal(t, 2, p.calls, "rejected handle must trigger a fresh download")
	assert.Equal(t, 2, h.actionCount(t, actionlog.ActionDownloadSuccess))
}

func TestAllProvidersFailEditsUserMessage(t *testing.T) {
	p1 := &fakeProvider{name: "ytdlp", err: errors.New("HTTP Error 404: Not Found")}
	p2 := &fakeProvider{name: "rapidapi", err: errors.New("HTTP Error 404: Not Found")}
	h := newHarness(t, p1, p2)

	h.orch.Handle(context.Background(), req())

	assert.Equal(t, 1, p1.calls)
	assert.Equal(t, 1, p2.calls)
	assert.Contains(t, h.ft.lastEdit(), "not found")
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionDownloadFailed))
	assert.Zero(t, h.ft.deleted)
}

func TestUserSlotExhaustionRejects(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)
	h.mr.Set("downloads:user:42", "2")

	h.orch.Handle(context.Background(), req())

	assert.Zero(t, p.calls)
	assert.Contains(t, h.ft.lastEdit(), "two downloads in progress")
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionRejectedBusy))
}

func TestGatePromptBlocksDownload(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)
	// Swap in a non-subscriber past every free allowance.
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h.orch.gate = gate.New(rdb, &subbedChecker{}, gate.Config{FreeDays: 0, FreeDownloads: 0, YouTubeFullFreeCount: 0, InstagramCheckEvery: 3}, zerolog.Nop())

	r := req()
	r.URL = "https://www.youtube.com/watch?v=abc123"
	h.orch.Handle(context.Background(), r)

	assert.Zero(t, p.calls)
	assert.Contains(t, h.ft.lastEdit(), "Subscribe")
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionFlyerAdShown))
}

func TestCarouselDelivery(t *testing.T) {
	p := &fakeProvider{name: "rapidapi", items: 3}
	h := newHarness(t, p)

	r := req()
	r.URL = "https://www.instagram.com/p/Cxyz/"
	h.orch.Handle(context.Background(), r)

	assert.Equal(t, 1, h.ft.albums)
	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionDownloadSuccess))
	assert.Equal(t, 1, h.ft.deleted)

	d := h.successDetails(t)
	assert.Equal(t, "carousel", d["type"])
	assert.Equal(t, "cdninstagram.com", d["download_host"])
}

func TestUnsupportedURL(t *testing.T) {
	h := newHarness(t)

	r := req()
	r.URL = "https://example.com/video/1"
	h.orch.Handle(context.Background(), r)

	assert.NotEmpty(t, h.ft.lastEdit())
	assert.Zero(t, h.ft.videos)
}

func TestUploadFailureLogsAndInformsUser(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)
	h.ft.videoErr = errors.New("Bad Request: file must be non-empty")

	h.orch.Handle(context.Background(), req())

	assert.Equal(t, 1, h.actionCount(t, actionlog.ActionUploadFailed))
	assert.NotEmpty(t, h.ft.lastEdit())
	fp := artifact.Fingerprint(intake.Canonicalize(tiktokURL))
	assert.False(t, h.mr.Exists("artifact:"+fp), "failed upload must not be cached")
}

func TestSlotReleasedAfterRequest(t *testing.T) {
	p := &fakeProvider{name: "ytdlp"}
	h := newHarness(t, p)

	h.orch.Handle(context.Background(), req())

	v, err := h.mr.Get("downloads:user:42")
	if err == nil {
		assert.Equal(t, "0", v)
	}
}
