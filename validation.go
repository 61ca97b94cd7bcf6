package uploader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	gerrors "github.com/goliatone/go-errors"
)

const mimePDF = "application/pdf"

var AllowedMimeTypes = map[string]bool{
	mimePDF:         true,
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/svg+xml": true,
}

func getAllowedMsg(options map[string]bool) string {
	out := []string{}
	for k, v := range options {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// PageLimits bounds the page count of an uploaded document. A zero bound is
// not enforced.
type PageLimits struct {
	Min int `json:"min_num_pages" yaml:"min_num_pages" koanf:"min_num_pages"`
	Max int `json:"max_num_pages" yaml:"max_num_pages" koanf:"max_num_pages"`
}

type Validator struct {
	maxFileSize      int64
	allowedMimeTypes map[string]bool
}

type ValidatorOption func(*Validator)

func WithUploadMaxFileSize(size int64) ValidatorOption {
	return func(v *Validator) {
		v.maxFileSize = size
	}
}

func WithAllowedMimeTypes(types map[string]bool) ValidatorOption {
	return func(v *Validator) {
		v.allowedMimeTypes = types
	}
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		maxFileSize:      DefaultMaxFileSize,
		allowedMimeTypes: AllowedMimeTypes,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// ValidateFile checks the declared metadata of file before any I/O happens.
func (v *Validator) ValidateFile(file File) error {
	if file.Size <= 0 {
		return gerrors.NewValidation("file validation failed",
			gerrors.FieldError{
				Field:   "file_size",
				Message: "file is empty",
				Value:   file.Size,
			},
		).WithCode(400).WithTextCode("FILE_EMPTY").
			WithMetadata(map[string]any{
				"filename": file.Name,
			})
	}

	if v.maxFileSize > 0 && file.Size > v.maxFileSize {
		return gerrors.NewValidation("file validation failed",
			gerrors.FieldError{
				Field:   "file_size",
				Message: fmt.Sprintf("file too large, max: %d bytes", v.maxFileSize),
				Value:   file.Size,
			},
		).WithCode(400).WithTextCode("FILE_TOO_LARGE").
			WithMetadata(map[string]any{
				"filename":  file.Name,
				"file_size": file.Size,
				"max_size":  v.maxFileSize,
				"mime_type": file.MimeType,
			})
	}

	if !v.allowedMimeTypes[normalizeMime(file.MimeType)] {
		return gerrors.NewValidation("file validation failed",
			gerrors.FieldError{
				Field:   "mime_type",
				Message: fmt.Sprintf("invalid mime type, allowed: %s", getAllowedMsg(v.allowedMimeTypes)),
				Value:   file.MimeType,
			},
		).WithCode(400).WithTextCode("INVALID_MIME_TYPE").
			WithMetadata(map[string]any{
				"filename":      file.Name,
				"mime_type":     file.MimeType,
				"allowed_types": getAllowedMsg(v.allowedMimeTypes),
			})
	}

	return nil
}

// ValidateContent sniffs the head of blob and checks the detected type is allowed.
func (v *Validator) ValidateContent(ctx context.Context, blob Blob) error {
	head := make([]byte, DefaultSniffLength)
	n, err := NewBlobSection(ctx, blob, 0, DefaultSniffLength).ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("content validation: read head: %w", err)
	}

	detected := mimetype.Detect(head[:n])
	for mt := detected; mt != nil; mt = mt.Parent() {
		if v.allowedMimeTypes[normalizeMime(mt.String())] {
			return nil
		}
	}

	return gerrors.NewValidation("file validation failed",
		gerrors.FieldError{
			Field:   "file_content",
			Message: "invalid file content",
			Value:   detected.String(),
		},
	).WithCode(400).WithTextCode("INVALID_FILE_CONTENT").
		WithMetadata(map[string]any{
			"detected_type": detected.String(),
			"allowed_types": getAllowedMsg(v.allowedMimeTypes),
		})
}

// ValidatePageCount checks numPages against limits. A nil limits skips the check.
func ValidatePageCount(name string, numPages int, limits *PageLimits) error {
	if limits == nil {
		return nil
	}

	if limits.Min > 0 && numPages < limits.Min {
		return gerrors.NewValidation("page count validation failed",
			gerrors.FieldError{
				Field:   "num_pages",
				Message: fmt.Sprintf("too few pages, min: %d", limits.Min),
				Value:   numPages,
			},
		).WithCode(422).WithTextCode("PAGE_COUNT_TOO_LOW").
			WithMetadata(map[string]any{
				"filename":  name,
				"num_pages": numPages,
				"min_pages": limits.Min,
			})
	}

	if limits.Max > 0 && numPages > limits.Max {
		return gerrors.NewValidation("page count validation failed",
			gerrors.FieldError{
				Field:   "num_pages",
				Message: fmt.Sprintf("too many pages, max: %d", limits.Max),
				Value:   numPages,
			},
		).WithCode(422).WithTextCode("PAGE_COUNT_TOO_HIGH").
			WithMetadata(map[string]any{
				"filename":  name,
				"num_pages": numPages,
				"max_pages": limits.Max,
			})
	}

	return nil
}

func normalizeMime(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
