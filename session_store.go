package uploader

import (
	"fmt"
	"sync"
	"time"

	gerrors "github.com/goliatone/go-errors"
)

// SessionState represents the lifecycle stage of an upload session.
type SessionState string

const (
	// SessionStateActive indicates files may still progress.
	SessionStateActive SessionState = "active"
	// SessionStateClosed is set once the Upload call returns.
	SessionStateClosed SessionState = "closed"
)

// FileStage is the per-file lifecycle state.
type FileStage string

const (
	FileStageNew       FileStage = "new"
	FileStageCreated   FileStage = "created"
	FileStageUploading FileStage = "uploading"
	FileStageUploaded  FileStage = "uploaded"
	FileStageFinalized FileStage = "finalized"
	FileStageValidated FileStage = "validated"
	FileStageFailed    FileStage = "failed"
)

// fileTransitions lists the forward moves allowed from each stage. Failure is
// reachable from every non-terminal stage and handled separately.
var fileTransitions = map[FileStage][]FileStage{
	FileStageNew:       {FileStageCreated},
	FileStageCreated:   {FileStageUploading},
	FileStageUploading: {FileStageUploaded},
	FileStageUploaded:  {FileStageFinalized},
	FileStageFinalized: {FileStageValidated},
}

// FileState tracks one file of a session.
type FileState struct {
	Index       int
	Name        string
	AssetID     string
	State       FileStage
	FailedStage Stage
	Kind        ErrorKind
	UpdatedAt   time.Time
}

// Terminal reports whether the file can no longer change state.
func (f FileState) Terminal() bool {
	return f.State == FileStageValidated || f.State == FileStageFailed
}

// UploadSession is the state of one Upload call.
type UploadSession struct {
	ID        string
	Tier      DeviceTier
	Profile   ConcurrencyProfile
	CreatedAt time.Time
	ExpiresAt time.Time
	State     SessionState
	Files     map[int]FileState
}

// SessionStore is an in-memory registry of upload sessions backed by a RWMutex.
type SessionStore struct {
	mu        sync.RWMutex
	ttl       time.Duration
	sessions  map[string]*UploadSession
	timeNowFn func() time.Time
}

// NewSessionStore creates a store with the provided TTL (or DefaultSessionTTL if <= 0).
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionStore{
		ttl:      ttl,
		sessions: make(map[string]*UploadSession),
		timeNowFn: func() time.Time {
			return time.Now()
		},
	}
}

func (s *SessionStore) timeNow() time.Time {
	if s.timeNowFn != nil {
		return s.timeNowFn()
	}
	return time.Now()
}

// Create registers a session. Files not yet present start in FileStageNew.
func (s *SessionStore) Create(session *UploadSession) (*UploadSession, error) {
	if session == nil {
		return nil, gerrors.NewValidation("upload session definition required",
			gerrors.FieldError{
				Field:   "session",
				Message: "cannot be nil",
			},
		)
	}

	if session.ID == "" {
		return nil, gerrors.NewValidation("upload session definition invalid",
			gerrors.FieldError{
				Field:   "id",
				Message: "cannot be empty",
			},
		)
	}

	now := s.timeNow()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.CreatedAt.Add(s.ttl)
	}
	if session.State == "" {
		session.State = SessionStateActive
	}
	if session.Files == nil {
		session.Files = make(map[int]FileState)
	}
	for idx, f := range session.Files {
		f.Index = idx
		if f.State == "" {
			f.State = FileStageNew
		}
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = now
		}
		session.Files[idx] = f
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return nil, ErrSessionExists
	}

	stored := cloneUploadSession(session)
	s.sessions[session.ID] = stored

	return cloneUploadSession(stored), nil
}

// Get returns a copy of the session if it exists and has not expired.
func (s *SessionStore) Get(id string) (*UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}

	if s.timeNow().After(session.ExpiresAt) {
		return nil, false
	}

	return cloneUploadSession(session), true
}

// Delete removes a session from the store.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Transition moves a file one step forward. Skipping a stage, moving
// backwards, or leaving a terminal stage is rejected with ErrInvalidTransition.
func (s *SessionStore) Transition(id string, fileIndex int, to FileStage) (FileState, error) {
	return s.update(id, fileIndex, func(f *FileState) error {
		if !canTransition(f.State, to) {
			return fmt.Errorf("%w: %s -> %s (file %d)", ErrInvalidTransition, f.State, to, fileIndex)
		}
		f.State = to
		return nil
	})
}

// SetAsset records the remote asset id for a file.
func (s *SessionStore) SetAsset(id string, fileIndex int, assetID string) (FileState, error) {
	return s.update(id, fileIndex, func(f *FileState) error {
		f.AssetID = assetID
		return nil
	})
}

// MarkFailed moves a non-terminal file to FileStageFailed, keeping the stage
// it failed in. The first failure wins.
func (s *SessionStore) MarkFailed(id string, fileIndex int, stage Stage, kind ErrorKind) (FileState, error) {
	return s.update(id, fileIndex, func(f *FileState) error {
		if f.Terminal() {
			return fmt.Errorf("%w: %s -> %s (file %d)", ErrInvalidTransition, f.State, FileStageFailed, fileIndex)
		}
		f.State = FileStageFailed
		f.FailedStage = stage
		f.Kind = kind
		return nil
	})
}

// Reset returns a file to FileStageNew and forgets its asset, so nothing
// refers to an asset that is not usable.
func (s *SessionStore) Reset(id string, fileIndex int) (FileState, error) {
	return s.update(id, fileIndex, func(f *FileState) error {
		f.State = FileStageNew
		f.AssetID = ""
		return nil
	})
}

// Close flags the session as closed; later updates are rejected.
func (s *SessionStore) Close(id string) (*UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}

	session.State = SessionStateClosed
	return cloneUploadSession(session), nil
}

func (s *SessionStore) update(id string, fileIndex int, fn func(*FileState) error) (FileState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return FileState{}, ErrSessionNotFound
	}

	if s.timeNow().After(session.ExpiresAt) {
		delete(s.sessions, id)
		return FileState{}, ErrSessionNotFound
	}

	if session.State != SessionStateActive {
		return FileState{}, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, session.State)
	}

	f, ok := session.Files[fileIndex]
	if !ok {
		return FileState{}, fmt.Errorf("%w: file %d", ErrSessionNotFound, fileIndex)
	}

	if err := fn(&f); err != nil {
		return FileState{}, err
	}

	f.UpdatedAt = s.timeNow()
	session.Files[fileIndex] = f
	return f, nil
}

// CleanupExpired removes expired sessions and returns their IDs.
func (s *SessionStore) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}

	return removed
}

func canTransition(from, to FileStage) bool {
	for _, next := range fileTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cloneUploadSession(in *UploadSession) *UploadSession {
	if in == nil {
		return nil
	}

	out := *in
	if in.Files != nil {
		out.Files = make(map[int]FileState, len(in.Files))
		for idx, f := range in.Files {
			out.Files[idx] = f
		}
	}

	return &out
}
