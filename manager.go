package uploader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	gerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ServiceValidator is implemented by asset services that can check their own
// configuration before the first upload.
type ServiceValidator interface {
	Validate(context.Context) error
}

type Manager struct {
	mu          sync.Mutex
	logger      Logger
	service     AssetService
	serviceErr  error
	validated   bool
	endpoints   *Endpoints
	headers     map[string]string
	client      HTTPDoer
	rps         float64
	burst       int
	retry       RetryConfig
	profiles    ProfileTable
	probe       HardwareProbe
	pageLimits  *PageLimits
	pageCounter PageCounter
	validator   *Validator
	sessions    *SessionStore
	handlers    []EventHandler
	executor    EventExecutor
	events      *eventDispatcher
	sleep       sleepFunc
}

type Option func(m *Manager)

func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAssetService sets the service that owns asset records.
func WithAssetService(s AssetService) Option {
	return func(m *Manager) {
		m.service = s
		m.validated = false
		m.serviceErr = nil
	}
}

// WithEndpoints builds an HTTPAssetService sharing the manager's client,
// retry config and logger. WithAssetService takes precedence.
func WithEndpoints(e Endpoints) Option {
	return func(m *Manager) {
		m.endpoints = &e
	}
}

// WithServiceHeader adds a static header to every asset service request made
// by the service built from WithEndpoints.
func WithServiceHeader(key, value string) Option {
	return func(m *Manager) {
		if m.headers == nil {
			m.headers = make(map[string]string)
		}
		m.headers[key] = value
	}
}

func WithHTTPClient(c HTTPDoer) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRequestRateLimit paces every outgoing request to rps per second.
func WithRequestRateLimit(rps float64, burst int) Option {
	return func(m *Manager) {
		m.rps = rps
		m.burst = burst
	}
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *Manager) {
		m.retry = cfg.withDefaults()
	}
}

func WithProfileTable(t ProfileTable) Option {
	return func(m *Manager) {
		if t != nil {
			m.profiles = t
		}
	}
}

func WithHardwareProbe(p HardwareProbe) Option {
	return func(m *Manager) {
		m.probe = p
	}
}

// WithPageLimits enables page count validation of PDFs. Without it the
// metadata endpoint is never polled.
func WithPageLimits(limits PageLimits) Option {
	return func(m *Manager) {
		m.pageLimits = &limits
	}
}

// WithPageCounter enables a client side page count check of PDFs before any
// asset is created.
func WithPageCounter(c PageCounter) Option {
	return func(m *Manager) {
		m.pageCounter = c
	}
}

func WithEventHandler(h EventHandler) Option {
	return func(m *Manager) {
		if h != nil {
			m.handlers = append(m.handlers, h)
		}
	}
}

func WithEventExecutor(e EventExecutor) Option {
	return func(m *Manager) {
		m.executor = e
	}
}

func WithValidator(v *Validator) Option {
	return func(m *Manager) {
		if v != nil {
			m.validator = v
		}
	}
}

func WithSessionStore(store *SessionStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.sessions = store
		}
	}
}

func withSleep(fn sleepFunc) Option {
	return func(m *Manager) {
		m.sleep = fn
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:    NewDefaultLogger(),
		client:    NewHTTPClient(),
		retry:     DefaultRetryConfig(),
		profiles:  DefaultProfileTable(),
		probe:     CPUIDProbe,
		validator: NewValidator(),
		sessions:  NewSessionStore(DefaultSessionTTL),
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.rps > 0 {
		m.client = NewRateLimitedDoer(m.client, m.rps, m.burst)
	}

	if m.service == nil && m.endpoints != nil {
		svc := NewHTTPAssetService(*m.endpoints).
			WithHTTPClient(m.client).
			WithRetryConfig(m.retry).
			WithLogger(m.logger)
		svc.sleep = m.sleep
		for k, v := range m.headers {
			svc.WithHeader(k, v)
		}
		m.service = svc
	}

	m.events = &eventDispatcher{
		handlers: m.handlers,
		executor: m.executor,
		logger:   m.logger,
	}

	return m
}

// VerifiedAsset is a file that went through every lifecycle step.
type VerifiedAsset struct {
	SessionID string
	FileIndex int
	FileName  string
	Asset     *AssetRecord
	// Metadata is nil when page validation is disabled or the file is not a PDF.
	Metadata *AssetMetadata
	Attempts int
}

// BatchResult is the outcome of one Upload call.
type BatchResult struct {
	SessionID      string
	Tier           DeviceTier
	Profile        ConcurrencyProfile
	Assets         []VerifiedAsset
	Failed         []*UploadError
	PartialFailure bool
	Cancelled      bool
	Outcome        *UploadOutcome
}

// Upload is the entry point for a set of files: one file takes the
// single-file path, anything else the batch path.
func (m *Manager) Upload(ctx context.Context, files []File) (*BatchResult, error) {
	if len(files) == 1 {
		return m.uploadSingle(ctx, files[0])
	}
	return m.UploadFiles(ctx, files)
}

// UploadFile uploads a single file. Any failure is fatal and leaves no asset
// reference behind. Cancellation returns the context error.
func (m *Manager) UploadFile(ctx context.Context, file File) (*VerifiedAsset, error) {
	res, err := m.uploadSingle(ctx, file)
	if err != nil {
		return nil, err
	}

	if len(res.Assets) == 0 {
		return nil, ErrNoValidAssets
	}
	return &res.Assets[0], nil
}

// Session returns a snapshot of an upload session.
func (m *Manager) Session(id string) (*UploadSession, bool) {
	return m.sessions.Get(id)
}

func (m *Manager) uploadSingle(ctx context.Context, file File) (*BatchResult, error) {
	if err := m.ensureService(ctx); err != nil {
		return nil, err
	}

	result := m.openSession([]File{file})
	defer m.closeSession(ctx, result)

	unit, err := m.prepare(ctx, result.SessionID, 0, file)
	if err != nil {
		return m.failSingle(ctx, result, 0, file.Name, StagePreUpload, err, true)
	}
	defer unit.Blob.Close()

	m.transition(result.SessionID, 0, FileStageUploading)

	outcome := m.scheduler(result.SessionID).Upload(ctx, []*FileUploadUnit{unit}, result.Profile.MaxConcurrentChunks)
	result.Outcome = outcome

	if outcome.Cancelled {
		result.Cancelled = true
		return result, ctx.Err()
	}

	if failed, ok := outcome.FailedFiles[0]; ok {
		m.resetFile(result.SessionID, 0)
		return m.failSingle(ctx, result, 0, file.Name, StageChunkUpload, failed.Err, false)
	}

	if !outcome.Succeeded(0) {
		m.resetFile(result.SessionID, 0)
		return m.failSingle(ctx, result, 0, file.Name, StageChunkUpload, ErrIncompleteUpload, true)
	}

	m.transition(result.SessionID, 0, FileStageUploaded)

	meta, stage, err := m.verify(ctx, result.SessionID, unit)
	if err != nil {
		m.resetFile(result.SessionID, 0)
		return m.failSingle(ctx, result, 0, file.Name, stage, err, true)
	}

	result.Assets = append(result.Assets, VerifiedAsset{
		SessionID: result.SessionID,
		FileIndex: 0,
		FileName:  file.Name,
		Asset:     unit.Asset,
		Metadata:  meta,
		Attempts:  outcome.PerFileMaxAttempt[0],
	})

	return result, nil
}

func (m *Manager) failSingle(ctx context.Context, result *BatchResult, idx int, name string, stage Stage, err error, emit bool) (*BatchResult, error) {
	if ctx.Err() != nil {
		result.Cancelled = true
		return result, ctx.Err()
	}

	uerr := m.recordFailure(ctx, result.SessionID, idx, name, stage, err, emit)
	result.Failed = append(result.Failed, uerr)
	return result, uerr
}

// UploadFiles uploads a batch. Files fail independently; the batch only fails
// as a whole when no file survives.
func (m *Manager) UploadFiles(ctx context.Context, files []File) (*BatchResult, error) {
	if err := m.ensureService(ctx); err != nil {
		return nil, err
	}

	result := m.openSession(files)
	defer m.closeSession(ctx, result)

	if len(files) == 0 {
		result.Outcome = newUploadOutcome()
		return result, nil
	}

	failures := &failureSet{byIndex: make(map[int]*UploadError)}
	units := make([]*FileUploadUnit, len(files))

	indexes := make([]int, len(files))
	for i := range files {
		indexes[i] = i
	}

	RunBounded(ctx, indexes, result.Profile.MaxConcurrentFiles, func(ctx context.Context, idx int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		unit, err := m.prepare(ctx, result.SessionID, idx, files[idx])
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failures.add(m.recordFailure(ctx, result.SessionID, idx, files[idx].Name, StagePreUpload, err, true))
			return err
		}

		units[idx] = unit
		return nil
	})

	var ready []*FileUploadUnit
	for _, unit := range units {
		if unit != nil {
			ready = append(ready, unit)
		}
	}
	defer func() {
		for _, unit := range ready {
			_ = unit.Blob.Close()
		}
	}()

	if ctx.Err() != nil {
		result.Cancelled = true
		result.Failed = failures.sorted()
		return result, ctx.Err()
	}

	for _, unit := range ready {
		m.transition(result.SessionID, unit.Index, FileStageUploading)
	}

	outcome := m.scheduler(result.SessionID).Upload(ctx, ready, result.Profile.MaxConcurrentChunks)
	result.Outcome = outcome

	if outcome.Cancelled {
		result.Cancelled = true
		result.Failed = failures.sorted()
		return result, ctx.Err()
	}

	for _, idx := range outcome.FailedIndexes() {
		failed := outcome.FailedFiles[idx]
		failures.add(m.recordFailure(ctx, result.SessionID, idx, files[idx].Name, StageChunkUpload, failed.Err, false))
	}

	survivors := len(outcome.SucceededFiles)

	var mu sync.Mutex
	RunBounded(ctx, ready, result.Profile.MaxConcurrentFiles, func(ctx context.Context, unit *FileUploadUnit) error {
		if outcome.Failed(unit.Index) {
			m.discard(ctx, result.SessionID, unit)
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		m.transition(result.SessionID, unit.Index, FileStageUploaded)

		meta, stage, err := m.verify(ctx, result.SessionID, unit)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failures.add(m.recordFailure(ctx, result.SessionID, unit.Index, unit.File.Name, stage, err, true))
			m.discard(ctx, result.SessionID, unit)
			return err
		}

		mu.Lock()
		result.Assets = append(result.Assets, VerifiedAsset{
			SessionID: result.SessionID,
			FileIndex: unit.Index,
			FileName:  unit.File.Name,
			Asset:     unit.Asset,
			Metadata:  meta,
			Attempts:  outcome.PerFileMaxAttempt[unit.Index],
		})
		mu.Unlock()
		return nil
	})

	sort.Slice(result.Assets, func(i, j int) bool {
		return result.Assets[i].FileIndex < result.Assets[j].FileIndex
	})
	result.Failed = failures.sorted()

	if ctx.Err() != nil {
		result.Cancelled = true
		return result, ctx.Err()
	}

	switch {
	case survivors == 0:
		m.logger.Error("all files failed to upload", "session", result.SessionID, "files", len(files))
		return result, ErrAllFilesFailed
	case len(result.Assets) == 0:
		m.logger.Error("no uploaded asset passed verification", "session", result.SessionID, "files", len(files))
		return result, ErrNoValidAssets
	}

	result.PartialFailure = len(result.Failed) > 0
	return result, nil
}

// prepare validates file, then opens its bytes and creates its asset
// concurrently. On failure nothing created here is left behind.
func (m *Manager) prepare(ctx context.Context, sessionID string, idx int, file File) (*FileUploadUnit, error) {
	if file.Source == nil {
		return nil, gerrors.NewValidation("file validation failed",
			gerrors.FieldError{
				Field:   "source",
				Message: "byte source cannot be nil",
				Value:   file.Name,
			},
		).WithCode(400).WithTextCode("MISSING_SOURCE")
	}

	if err := m.validator.ValidateFile(file); err != nil {
		return nil, err
	}

	if err := m.preflightPages(ctx, file); err != nil {
		return nil, err
	}

	var (
		blob  Blob
		asset *AssetRecord
	)

	// the blob outlives the group, so it is opened with the caller's context
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := file.Source.Open(ctx)
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		blob = b
		return nil
	})
	g.Go(func() error {
		a, err := m.service.CreateAsset(gctx, CreateAssetRequest{
			Name:     file.Name,
			Size:     file.Size,
			MimeType: file.MimeType,
		})
		if err != nil {
			return err
		}
		asset = a
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = m.checkContent(ctx, file, blob)
	}

	if err != nil {
		if blob != nil {
			_ = blob.Close()
		}
		if asset != nil {
			m.discard(ctx, sessionID, &FileUploadUnit{Index: idx, File: file, Asset: asset})
		}
		return nil, err
	}

	m.setAsset(sessionID, idx, asset.ID)
	m.transition(sessionID, idx, FileStageCreated)
	m.events.emit(ctx, Event{
		Type:      EventAssetCreated,
		SessionID: sessionID,
		FileIndex: idx,
		FileName:  file.Name,
		AssetID:   asset.ID,
	})

	return NewFileUploadUnit(idx, file, asset, blob), nil
}

func (m *Manager) checkContent(ctx context.Context, file File, blob Blob) error {
	if blob.Size() != file.Size {
		return fmt.Errorf("%w: %s declares %d bytes, source has %d", ErrSizeMismatch, file.Name, file.Size, blob.Size())
	}
	return m.validator.ValidateContent(ctx, blob)
}

func (m *Manager) preflightPages(ctx context.Context, file File) error {
	if m.pageCounter == nil || m.pageLimits == nil || normalizeMime(file.MimeType) != mimePDF {
		return nil
	}

	details, err := m.pageCounter.FileDetails(ctx, file)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// the service validates page counts again after finalize
		m.logger.Debug("page count unavailable", "file", file.Name, "error", err)
		return nil
	}

	return ValidatePageCount(file.Name, details.NumPages, m.pageLimits)
}

// verify finalizes the asset and checks the page count of PDFs. It returns
// the stage that failed alongside the error.
func (m *Manager) verify(ctx context.Context, sessionID string, unit *FileUploadUnit) (*AssetMetadata, Stage, error) {
	if err := m.service.FinalizeAsset(ctx, unit.Asset); err != nil {
		return nil, StageFinalize, err
	}

	m.transition(sessionID, unit.Index, FileStageFinalized)
	m.events.emit(ctx, Event{
		Type:      EventAssetFinalized,
		SessionID: sessionID,
		FileIndex: unit.Index,
		FileName:  unit.File.Name,
		AssetID:   unit.Asset.ID,
	})

	var meta *AssetMetadata
	if m.pageLimits != nil && normalizeMime(unit.File.MimeType) == mimePDF {
		var err error
		meta, err = m.service.GetMetadata(ctx, unit.Asset.ID)
		if err != nil {
			return nil, StageValidation, err
		}

		if err := ValidatePageCount(unit.File.Name, meta.NumPages, m.pageLimits); err != nil {
			return nil, StageValidation, err
		}
	}

	m.transition(sessionID, unit.Index, FileStageValidated)
	m.events.emit(ctx, Event{
		Type:      EventAssetValidated,
		SessionID: sessionID,
		FileIndex: unit.Index,
		FileName:  unit.File.Name,
		AssetID:   unit.Asset.ID,
	})

	return meta, "", nil
}

// discard deletes an asset that will not be used. Nothing is sent once the
// upload is cancelled.
func (m *Manager) discard(ctx context.Context, sessionID string, unit *FileUploadUnit) {
	if ctx.Err() != nil || unit.Asset == nil {
		return
	}

	if err := m.service.DeleteAsset(ctx, unit.Asset.ID); err != nil {
		m.logger.Error("failed to delete asset", "asset_id", unit.Asset.ID, "file", unit.File.Name, "error", err)
		return
	}

	m.events.emit(ctx, Event{
		Type:      EventAssetDeleted,
		SessionID: sessionID,
		FileIndex: unit.Index,
		FileName:  unit.File.Name,
		AssetID:   unit.Asset.ID,
	})
}

func (m *Manager) recordFailure(ctx context.Context, sessionID string, idx int, name string, stage Stage, err error, emit bool) *UploadError {
	uerr := newUploadError(ctx, idx, name, stage, err)

	if _, serr := m.sessions.MarkFailed(sessionID, idx, stage, uerr.Kind); serr != nil {
		m.logger.Debug("session not updated", "session", sessionID, "file", name, "error", serr)
	}

	m.logger.Error("upload failed", "file", name, "stage", stage, "kind", uerr.Kind, "error", err)

	if emit {
		m.events.emit(ctx, Event{
			Type:      EventUploadFailed,
			SessionID: sessionID,
			FileIndex: idx,
			FileName:  name,
			Stage:     stage,
			Kind:      uerr.Kind,
			Err:       err,
		})
	}

	return uerr
}

func (m *Manager) scheduler(sessionID string) *ChunkScheduler {
	s := NewChunkScheduler(m.client, m.retry.Chunk).WithLogger(m.logger)
	s.events = m.events
	s.sessionID = sessionID
	s.sleep = m.sleep
	return s
}

func (m *Manager) ensureService(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.service == nil {
		return ErrAssetServiceNotConfigured
	}

	if m.validated {
		return nil
	}

	if m.serviceErr != nil {
		return m.serviceErr
	}

	if v, ok := m.service.(ServiceValidator); ok {
		if err := v.Validate(ctx); err != nil {
			m.serviceErr = err
			return err
		}
	}

	m.validated = true
	return nil
}

func (m *Manager) openSession(files []File) *BatchResult {
	m.sessions.CleanupExpired(m.sessions.timeNow())

	tier := ResolveTier(m.probe)
	profile := m.profiles.Profile(tier)

	states := make(map[int]FileState, len(files))
	for i, f := range files {
		states[i] = FileState{Index: i, Name: f.Name}
	}

	session, err := m.sessions.Create(&UploadSession{
		ID:      uuid.NewString(),
		Tier:    tier,
		Profile: profile,
		Files:   states,
	})
	if err != nil {
		// ids are random; a collision only loses the session snapshot
		m.logger.Error("failed to register upload session", "error", err)
		session = &UploadSession{ID: uuid.NewString(), Tier: tier, Profile: profile}
	}

	m.logger.Debug("upload session opened", "session", session.ID, "tier", tier, "files", len(files),
		"max_files", profile.MaxConcurrentFiles, "max_chunks", profile.MaxConcurrentChunks)

	return &BatchResult{
		SessionID: session.ID,
		Tier:      tier,
		Profile:   profile,
	}
}

func (m *Manager) closeSession(ctx context.Context, result *BatchResult) {
	if _, err := m.sessions.Close(result.SessionID); err != nil {
		m.logger.Debug("session not closed", "session", result.SessionID, "error", err)
	}

	m.events.emit(ctx, Event{
		Type:      EventSessionCompleted,
		SessionID: result.SessionID,
	})
}

func (m *Manager) transition(sessionID string, idx int, to FileStage) {
	if _, err := m.sessions.Transition(sessionID, idx, to); err != nil {
		m.logger.Debug("session transition rejected", "session", sessionID, "file", idx, "to", to, "error", err)
	}
}

func (m *Manager) setAsset(sessionID string, idx int, assetID string) {
	if _, err := m.sessions.SetAsset(sessionID, idx, assetID); err != nil {
		m.logger.Debug("session asset not recorded", "session", sessionID, "file", idx, "error", err)
	}
}

func (m *Manager) resetFile(sessionID string, idx int) {
	if _, err := m.sessions.Reset(sessionID, idx); err != nil {
		m.logger.Debug("session reset rejected", "session", sessionID, "file", idx, "error", err)
	}
}

// failureSet holds at most one terminal failure per file.
type failureSet struct {
	mu      sync.Mutex
	byIndex map[int]*UploadError
}

func (s *failureSet) add(err *UploadError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIndex[err.FileIndex]; !exists {
		s.byIndex[err.FileIndex] = err
	}
}

func (s *failureSet) sorted() []*UploadError {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*UploadError, 0, len(s.byIndex))
	for _, err := range s.byIndex {
		out = append(out, err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FileIndex < out[j].FileIndex
	})
	return out
}
