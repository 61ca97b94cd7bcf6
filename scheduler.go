package uploader

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// ChunkScheduler uploads the chunks of one or many files against their
// pre-signed destinations under a single global chunk ceiling.
type ChunkScheduler struct {
	client    HTTPDoer
	retry     ExponentialConfig
	logger    Logger
	events    *eventDispatcher
	sessionID string
	sleep     sleepFunc
}

// NewChunkScheduler returns a scheduler that PUTs chunks with client, retrying
// each one under cfg. A nil client gets NewHTTPClient.
func NewChunkScheduler(client HTTPDoer, cfg ExponentialConfig) *ChunkScheduler {
	if client == nil {
		client = NewHTTPClient()
	}

	return &ChunkScheduler{
		client: client,
		retry:  cfg.orDefault(DefaultRetryConfig().Chunk),
		logger: NewDefaultLogger(),
		sleep:  sleepContext,
	}
}

func (s *ChunkScheduler) WithLogger(l Logger) *ChunkScheduler {
	s.logger = l
	return s
}

// Upload runs every chunk of units through the exponential retry policy with
// at most maxConcurrentChunks PUTs in flight. A file is failed on its first
// exhausted chunk; its remaining chunks are skipped without any I/O.
func (s *ChunkScheduler) Upload(ctx context.Context, units []*FileUploadUnit, maxConcurrentChunks int) *UploadOutcome {
	out := newUploadOutcome()
	if len(units) == 0 {
		return out
	}

	if ctx.Err() != nil {
		out.Cancelled = true
		return out
	}

	rec := &outcomeRecorder{out: out, completed: make(map[int]int)}
	byIndex := make(map[int]*FileUploadUnit, len(units))

	var tasks []ChunkTask
	for _, unit := range units {
		byIndex[unit.Index] = unit

		if err := unit.CheckSlots(); err != nil {
			s.logger.Error("skipping file with invalid upload slots", "file", unit.File.Name, "error", err)
			if rec.fail(FailedChunk{FileIndex: unit.Index, Kind: ClassifyErrorContext(ctx, err).Kind, Err: err}) {
				s.emitFailure(ctx, unit, 0, err)
			}
			continue
		}

		tasks = append(tasks, unit.Tasks()...)
	}

	RunBounded(ctx, tasks, maxConcurrentChunks, func(ctx context.Context, task ChunkTask) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if rec.isFailed(task.FileIndex) {
			return nil
		}

		unit := byIndex[task.FileIndex]
		attempt, err := s.uploadChunk(ctx, unit, task)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}

			failure := FailedChunk{
				FileIndex:  task.FileIndex,
				PartNumber: task.PartNumber,
				Kind:       ClassifyErrorContext(ctx, err).Kind,
				Err:        err,
			}
			if rec.fail(failure) {
				s.logger.Error("chunk upload failed", "file", unit.File.Name, "part", task.PartNumber, "error", err)
				s.emitFailure(ctx, unit, task.PartNumber, err)
			}
			return err
		}

		rec.succeed(task.FileIndex, attempt)
		s.events.emit(ctx, Event{
			Type:       EventChunkUploaded,
			SessionID:  s.sessionID,
			FileIndex:  unit.Index,
			FileName:   unit.File.Name,
			AssetID:    unit.Asset.ID,
			PartNumber: task.PartNumber,
			Attempt:    attempt,
		})
		return nil
	})

	out.Cancelled = ctx.Err() != nil
	rec.collectSucceeded(units)
	return out
}

func (s *ChunkScheduler) uploadChunk(ctx context.Context, unit *FileUploadUnit, task ChunkTask) (int, error) {
	policy := &ExponentialRetry{config: s.retry, sleep: s.sleep}

	res, err := policy.Do(ctx, func(ctx context.Context, attempt int) (*http.Response, error) {
		body := NewBlobSection(ctx, unit.Blob, task.Offset, task.Length)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, task.URL, body)
		if err != nil {
			return nil, err
		}
		req.ContentLength = task.Length

		return s.client.Do(req)
	}, RetryHooks{
		OnError: func(err error, attempt int) {
			s.logger.Debug("chunk attempt failed", "file", unit.File.Name, "part", task.PartNumber, "attempt", attempt, "error", err)
		},
	})
	if err != nil {
		return 0, err
	}

	resp := res.Response
	if !isSuccessStatus(resp.StatusCode) {
		return 0, consumeResponseError("chunk upload", resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return res.Attempt, nil
}

func (s *ChunkScheduler) emitFailure(ctx context.Context, unit *FileUploadUnit, part int, err error) {
	ev := Event{
		Type:       EventUploadFailed,
		SessionID:  s.sessionID,
		FileIndex:  unit.Index,
		FileName:   unit.File.Name,
		PartNumber: part,
		Stage:      StageChunkUpload,
		Kind:       ClassifyErrorContext(ctx, err).Kind,
		Err:        err,
	}
	if unit.Asset != nil {
		ev.AssetID = unit.Asset.ID
	}
	s.events.emit(ctx, ev)
}

// outcomeRecorder is the only state shared between chunk tasks. Failures are
// recorded once per file (first wins) and attempt counts keep the maximum.
type outcomeRecorder struct {
	mu        sync.Mutex
	out       *UploadOutcome
	completed map[int]int
}

func (r *outcomeRecorder) fail(f FailedChunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.out.FailedFiles[f.FileIndex]; exists {
		return false
	}
	r.out.FailedFiles[f.FileIndex] = f
	return true
}

func (r *outcomeRecorder) isFailed(fileIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, failed := r.out.FailedFiles[fileIndex]
	return failed
}

func (r *outcomeRecorder) succeed(fileIndex, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed[fileIndex]++
	if attempt > r.out.PerFileMaxAttempt[fileIndex] {
		r.out.PerFileMaxAttempt[fileIndex] = attempt
	}
}

func (r *outcomeRecorder) collectSucceeded(units []*FileUploadUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, unit := range units {
		if _, failed := r.out.FailedFiles[unit.Index]; failed {
			continue
		}
		if r.completed[unit.Index] == unit.ChunkCount {
			r.out.SucceededFiles = append(r.out.SucceededFiles, unit.Index)
		}
	}
}
