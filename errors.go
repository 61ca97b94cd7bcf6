package uploader

import (
	"context"
	"errors"
	"fmt"

	gerrors "github.com/goliatone/go-errors"
)

var (
	ErrFileNotFound = gerrors.New("file not found", gerrors.CategoryNotFound).
			WithCode(404).
			WithTextCode("FILE_NOT_FOUND")

	ErrPermissionDenied = gerrors.New("permission denied", gerrors.CategoryAuthz).
				WithCode(403).
				WithTextCode("PERMISSION_DENIED")

	ErrInvalidPath = gerrors.New("invalid path", gerrors.CategoryBadInput).
			WithCode(400).
			WithTextCode("INVALID_PATH")

	ErrAssetServiceNotConfigured = gerrors.New("asset service not configured", gerrors.CategoryInternal).
					WithCode(500).
					WithTextCode("ASSET_SERVICE_NOT_CONFIGURED")

	ErrChunkCountMismatch = gerrors.New("chunk count does not match upload slots", gerrors.CategoryBadInput).
				WithCode(400).
				WithTextCode("CHUNK_COUNT_MISMATCH")

	ErrSizeMismatch = gerrors.New("file size does not match its content", gerrors.CategoryBadInput).
			WithCode(400).
			WithTextCode("SIZE_MISMATCH")

	ErrIncompleteUpload = gerrors.New("not every chunk was uploaded", gerrors.CategoryInternal).
				WithCode(500).
				WithTextCode("INCOMPLETE_UPLOAD")

	ErrFinalizeRejected = gerrors.New("asset finalize rejected", gerrors.CategoryExternal).
				WithCode(422).
				WithTextCode("FINALIZE_REJECTED")

	ErrAllFilesFailed = gerrors.New("all files failed to upload", gerrors.CategoryExternal).
				WithCode(502).
				WithTextCode("ALL_FILES_FAILED")

	ErrNoValidAssets = gerrors.New("no uploaded asset passed verification", gerrors.CategoryBadInput).
				WithCode(422).
				WithTextCode("NO_VALID_ASSETS")

	ErrSessionNotFound = gerrors.New("upload session not found", gerrors.CategoryNotFound).
				WithCode(404).
				WithTextCode("SESSION_NOT_FOUND")

	ErrSessionExists = gerrors.New("upload session already exists", gerrors.CategoryConflict).
				WithCode(409).
				WithTextCode("SESSION_EXISTS")

	ErrInvalidTransition = gerrors.New("invalid file state transition", gerrors.CategoryConflict).
				WithCode(409).
				WithTextCode("INVALID_STATE_TRANSITION")
)

// Stage names the lifecycle step a file failed in.
type Stage string

const (
	StagePreUpload   Stage = "pre_upload"
	StageChunkUpload Stage = "chunk_upload"
	StageFinalize    Stage = "finalize"
	StageValidation  Stage = "validation"
)

// UploadError is the terminal, classified failure of a single file.
type UploadError struct {
	FileIndex int
	FileName  string
	Stage     Stage
	Kind      ErrorKind
	Err       error
}

func (e *UploadError) Error() string {
	if e.FileName != "" {
		return fmt.Sprintf("upload %s failed at %s (%s): %v", e.FileName, e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("upload failed at %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func newUploadError(ctx context.Context, index int, name string, stage Stage, err error) *UploadError {
	return &UploadError{
		FileIndex: index,
		FileName:  name,
		Stage:     stage,
		Kind:      ClassifyErrorContext(ctx, err).Kind,
		Err:       err,
	}
}

// ResponseError carries a non-success HTTP response from the asset service
// or a chunk destination.
type ResponseError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

// AsUploadError extracts the per-file failure from err, if any.
func AsUploadError(err error) (*UploadError, bool) {
	var uerr *UploadError
	if errors.As(err, &uerr) {
		return uerr, true
	}
	return nil, false
}
