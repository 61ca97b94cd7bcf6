package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// chunkRecorder is an HTTPDoer standing in for the pre-signed storage URLs.
type chunkRecorder struct {
	mu       sync.Mutex
	calls    map[string]int
	bodies   map[string][]byte
	inFlight int
	peak     int
	delay    time.Duration
	respond  func(req *http.Request, call int) (*http.Response, error)
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{
		calls:  make(map[string]int),
		bodies: make(map[string][]byte),
	}
}

func (r *chunkRecorder) Do(req *http.Request) (*http.Response, error) {
	key := req.URL.String()

	r.mu.Lock()
	r.calls[key]++
	call := r.calls[key]
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	if r.respond != nil {
		resp, err := r.respond(req, call)
		if err != nil || resp.StatusCode >= 300 {
			return resp, err
		}
	}

	r.mu.Lock()
	r.bodies[key] = body
	r.mu.Unlock()

	return newResponse(http.StatusOK, ""), nil
}

func (r *chunkRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *chunkRecorder) callsFor(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func slotURL(file, part int) string {
	return fmt.Sprintf("https://storage.test/f%d/p%d", file, part)
}

func testUnit(idx int, data []byte, blockSize int64, slots int) *FileUploadUnit {
	asset := &AssetRecord{ID: fmt.Sprintf("asset-%d", idx), BlockSize: blockSize}
	for i := 0; i < slots; i++ {
		asset.UploadSlots = append(asset.UploadSlots, UploadSlot{URL: slotURL(idx, i+1), PartNumber: i + 1})
	}

	file := File{
		Name:     fmt.Sprintf("file-%d.pdf", idx),
		Size:     int64(len(data)),
		MimeType: mimePDF,
		Source:   NewBytesSource(data),
	}
	return NewFileUploadUnit(idx, file, asset, newBytesBlob(data))
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ctx context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestScheduler(doer HTTPDoer, maxRetries int, events *eventLog) *ChunkScheduler {
	s := NewChunkScheduler(doer, ExponentialConfig{MaxRetries: maxRetries, RetryDelay: time.Millisecond}).
		WithLogger(nopLogger{})
	s.sleep = (&fakeClock{}).sleep
	if events != nil {
		s.events = &eventDispatcher{handlers: []EventHandler{events.handle}}
	}
	return s
}

func TestChunkSchedulerUploadsEveryRange(t *testing.T) {
	doer := newChunkRecorder()
	s := newTestScheduler(doer, 3, nil)

	a := []byte("0123456789")
	b := []byte("abcdefg")
	units := []*FileUploadUnit{testUnit(0, a, 4, 3), testUnit(1, b, 4, 2)}

	out := s.Upload(context.Background(), units, 4)

	assert.Equal(t, []int{0, 1}, out.SucceededFiles)
	assert.Empty(t, out.FailedFiles)
	assert.False(t, out.Cancelled)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, out.PerFileMaxAttempt)

	var gotA, gotB bytes.Buffer
	for part := 1; part <= 3; part++ {
		gotA.Write(doer.bodies[slotURL(0, part)])
	}
	for part := 1; part <= 2; part++ {
		gotB.Write(doer.bodies[slotURL(1, part)])
	}
	assert.Equal(t, a, gotA.Bytes())
	assert.Equal(t, b, gotB.Bytes())
}

func TestChunkSchedulerSkipsMismatchedFile(t *testing.T) {
	doer := newChunkRecorder()
	events := &eventLog{}
	s := newTestScheduler(doer, 3, events)

	bad := testUnit(0, []byte("0123456789"), 4, 2)
	good := testUnit(1, []byte("abcd"), 4, 1)

	out := s.Upload(context.Background(), []*FileUploadUnit{bad, good}, 3)

	require.True(t, out.Failed(0))
	assert.Equal(t, 0, out.FailedFiles[0].PartNumber)
	assert.ErrorIs(t, out.FailedFiles[0].Err, ErrChunkCountMismatch)
	assert.Zero(t, doer.callsFor(slotURL(0, 1)))
	assert.Zero(t, doer.callsFor(slotURL(0, 2)))
	assert.Equal(t, 1, doer.total())
	assert.Equal(t, []int{1}, out.SucceededFiles)
	assert.Len(t, events.ofType(EventUploadFailed), 1)
}

func TestChunkSchedulerEmptyInput(t *testing.T) {
	doer := newChunkRecorder()
	s := newTestScheduler(doer, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Upload(ctx, nil, 3)
	assert.Empty(t, out.FailedFiles)
	assert.Empty(t, out.PerFileMaxAttempt)
	assert.Empty(t, out.SucceededFiles)
	assert.Zero(t, doer.total())

	out = s.Upload(context.Background(), []*FileUploadUnit{}, 3)
	assert.Empty(t, out.FailedFiles)
	assert.Zero(t, doer.total())
}

func TestChunkSchedulerCancelledBeforeStart(t *testing.T) {
	doer := newChunkRecorder()
	events := &eventLog{}
	s := newTestScheduler(doer, 3, events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Upload(ctx, []*FileUploadUnit{testUnit(0, []byte("0123456789"), 4, 3)}, 3)

	assert.True(t, out.Cancelled)
	assert.Empty(t, out.FailedFiles)
	assert.Empty(t, out.PerFileMaxAttempt)
	assert.Zero(t, doer.total())
	assert.Empty(t, events.ofType(EventUploadFailed))
}

func TestChunkSchedulerTracksMaxAttemptPerFile(t *testing.T) {
	doer := newChunkRecorder()
	doer.respond = func(req *http.Request, call int) (*http.Response, error) {
		if req.URL.String() == slotURL(0, 2) && call < 3 {
			return newResponse(http.StatusServiceUnavailable, ""), nil
		}
		if req.URL.String() == slotURL(1, 1) && call < 2 {
			return nil, fmt.Errorf("connection reset")
		}
		return newResponse(http.StatusOK, ""), nil
	}
	s := newTestScheduler(doer, 4, nil)

	units := []*FileUploadUnit{
		testUnit(0, []byte("0123456789"), 4, 3),
		testUnit(1, []byte("abcdefgh"), 4, 2),
		testUnit(2, []byte("xyz"), 4, 1),
	}

	out := s.Upload(context.Background(), units, 10)

	assert.Equal(t, []int{0, 1, 2}, out.SucceededFiles)
	assert.Equal(t, 3, out.PerFileMaxAttempt[0])
	assert.Equal(t, 2, out.PerFileMaxAttempt[1])
	assert.Equal(t, 1, out.PerFileMaxAttempt[2])
}

func TestChunkSchedulerLatchesFailedFile(t *testing.T) {
	doer := newChunkRecorder()
	doer.respond = func(req *http.Request, call int) (*http.Response, error) {
		if req.URL.String() == slotURL(0, 1) {
			return newResponse(http.StatusInternalServerError, "storage down"), nil
		}
		return newResponse(http.StatusOK, ""), nil
	}
	events := &eventLog{}
	s := newTestScheduler(doer, 2, events)

	units := []*FileUploadUnit{
		testUnit(0, []byte("0123456789"), 4, 3),
		testUnit(1, []byte("abcd"), 4, 1),
	}

	out := s.Upload(context.Background(), units, 1)

	require.True(t, out.Failed(0))
	assert.Equal(t, 1, out.FailedFiles[0].PartNumber)
	assert.Equal(t, 2, doer.callsFor(slotURL(0, 1)))
	assert.Zero(t, doer.callsFor(slotURL(0, 2)))
	assert.Zero(t, doer.callsFor(slotURL(0, 3)))
	assert.Equal(t, []int{1}, out.SucceededFiles)
	assert.NotContains(t, out.PerFileMaxAttempt, 0)

	var exhausted *RetryExhaustedError
	assert.ErrorAs(t, out.FailedFiles[0].Err, &exhausted)

	failed := events.ofType(EventUploadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, StageChunkUpload, failed[0].Stage)
}

func TestChunkSchedulerReportsEachFileOnce(t *testing.T) {
	doer := newChunkRecorder()
	doer.respond = func(req *http.Request, call int) (*http.Response, error) {
		return newResponse(http.StatusForbidden, "quotaexceeded"), nil
	}
	events := &eventLog{}
	s := newTestScheduler(doer, 3, events)

	units := []*FileUploadUnit{
		testUnit(0, bytes.Repeat([]byte("a"), 40), 4, 10),
		testUnit(1, bytes.Repeat([]byte("b"), 40), 4, 10),
	}

	out := s.Upload(context.Background(), units, 10)

	assert.Len(t, out.FailedFiles, 2)
	assert.Equal(t, KindQuotaExceeded, out.FailedFiles[0].Kind)
	assert.Empty(t, out.SucceededFiles)

	failed := events.ofType(EventUploadFailed)
	require.Len(t, failed, 2)
	indexes := []int{failed[0].FileIndex, failed[1].FileIndex}
	sort.Ints(indexes)
	assert.Equal(t, []int{0, 1}, indexes)
}

func TestChunkSchedulerGlobalCeiling(t *testing.T) {
	doer := newChunkRecorder()
	doer.delay = 2 * time.Millisecond
	s := newTestScheduler(doer, 3, nil)

	var units []*FileUploadUnit
	for i := 0; i < 4; i++ {
		units = append(units, testUnit(i, bytes.Repeat([]byte{byte('a' + i)}, 32), 4, 8))
	}

	out := s.Upload(context.Background(), units, 3)

	assert.Len(t, out.SucceededFiles, 4)
	assert.Equal(t, 32, doer.total())
	assert.LessOrEqual(t, doer.peak, 3)
}

func TestChunkSchedulerCancelledMidFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doer := newChunkRecorder()
	doer.respond = func(req *http.Request, call int) (*http.Response, error) {
		cancel()
		return nil, req.Context().Err()
	}
	events := &eventLog{}
	s := newTestScheduler(doer, 4, events)

	out := s.Upload(ctx, []*FileUploadUnit{testUnit(0, []byte("0123456789"), 4, 3)}, 1)

	assert.True(t, out.Cancelled)
	assert.Empty(t, out.FailedFiles)
	assert.Empty(t, out.SucceededFiles)
	assert.Equal(t, 1, doer.total())
	assert.Empty(t, events.ofType(EventUploadFailed))
}

func TestChunkSchedulerAbortedRequestWithLiveContextFailsFile(t *testing.T) {
	doer := newChunkRecorder()
	doer.respond = func(req *http.Request, call int) (*http.Response, error) {
		if req.URL.String() == slotURL(0, 1) {
			return nil, fmt.Errorf("proxy: %w", context.Canceled)
		}
		return newResponse(http.StatusOK, ""), nil
	}
	events := &eventLog{}
	s := newTestScheduler(doer, 2, events)

	units := []*FileUploadUnit{
		testUnit(0, []byte("0123"), 4, 1),
		testUnit(1, []byte("abcd"), 4, 1),
	}

	out := s.Upload(context.Background(), units, 2)

	assert.False(t, out.Cancelled)
	require.True(t, out.Failed(0))
	assert.Equal(t, KindNetwork, out.FailedFiles[0].Kind)
	assert.Equal(t, 2, doer.callsFor(slotURL(0, 1)))
	assert.Equal(t, []int{1}, out.SucceededFiles)

	failed := events.ofType(EventUploadFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, KindNetwork, failed[0].Kind)
}
