package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/transport"
)

func testMessages(t *testing.T) *errmap.Messages {
	t.Helper()
	m, err := errmap.LoadMessages("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

type recordingTransport struct {
	transport.Transport
	mu    sync.Mutex
	edits []string
}

func (r *recordingTransport) EditMessageText(_ context.Context, _ int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, text)
	return nil
}

func TestRenderWithByteCounts(t *testing.T) {
	u := NewUpdater(&recordingTransport{}, 1, 2, testMessages(t), "en", zerolog.Nop())
	u.OnProgress(5*1024*1024, 20*1024*1024)

	got := u.render(2 * time.Minute)
	assert.Equal(t, "Downloading... 2 min, 5.0 MB / 20.0 MB", got)
}

func TestRenderWithoutTotal(t *testing.T) {
	u := NewUpdater(&recordingTransport{}, 1, 2, testMessages(t), "en", zerolog.Nop())
	u.OnProgress(5*1024*1024, 0)

	got := u.render(30 * time.Second)
	assert.Equal(t, "Downloading... 1 min, please wait", got)
}

func TestStopIsIdempotent(t *testing.T) {
	u := NewUpdater(&recordingTransport{}, 1, 2, testMessages(t), "en", zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u.Run(context.Background())
	}()

	u.Stop()
	u.Stop()
	wg.Wait()
}

func TestRunHonorsContext(t *testing.T) {
	u := NewUpdater(&recordingTransport{}, 1, 2, testMessages(t), "en", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on context cancellation")
	}
}
