package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Blob is an opened file whose byte ranges can be read independently.
type Blob interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// ByteSource fetches the bytes of a file. Open is the "blob fetch" step of
// the lifecycle and may perform I/O.
type ByteSource interface {
	Open(ctx context.Context) (Blob, error)
}

// ContextReaderAt is implemented by blobs whose reads are remote calls. Each
// read then follows the context of the request it feeds instead of the one
// the blob was opened with.
type ContextReaderAt interface {
	ReadAtContext(ctx context.Context, p []byte, off int64) (int, error)
}

type boundReaderAt struct {
	ctx context.Context
	r   ContextReaderAt
}

func (b boundReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return b.r.ReadAtContext(b.ctx, p, off)
}

// NewBlobSection returns a reader over n bytes of blob starting at off, with
// reads bound to ctx when the blob supports it.
func NewBlobSection(ctx context.Context, blob Blob, off, n int64) *io.SectionReader {
	if cr, ok := blob.(ContextReaderAt); ok {
		return io.NewSectionReader(boundReaderAt{ctx: ctx, r: cr}, off, n)
	}
	return io.NewSectionReader(blob, off, n)
}

var (
	_ ByteSource = &BytesSource{}
	_ ByteSource = &FSSource{}
	_ ByteSource = &FallbackSource{}
)

type bytesBlob struct {
	*bytes.Reader
}

func (bytesBlob) Close() error { return nil }

func newBytesBlob(data []byte) Blob {
	return bytesBlob{Reader: bytes.NewReader(data)}
}

// BytesSource serves an in-memory payload.
type BytesSource struct {
	data []byte
}

func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

func (s *BytesSource) Open(ctx context.Context) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newBytesBlob(s.data), nil
}

type fileBlob struct {
	io.ReaderAt
	closer io.Closer
	size   int64
}

func (b *fileBlob) Size() int64  { return b.size }
func (b *fileBlob) Close() error { return b.closer.Close() }

// FSSource reads a file from an fs.FS, the local disk by default.
type FSSource struct {
	root   fs.FS
	base   string
	name   string
	logger Logger
}

func NewFSSource(base, name string) *FSSource {
	return &FSSource{
		root:   os.DirFS(base),
		base:   base,
		name:   name,
		logger: NewDefaultLogger(),
	}
}

func (s *FSSource) WithLogger(l Logger) *FSSource {
	s.logger = l
	return s
}

func (s *FSSource) WithFS(f fs.FS) *FSSource {
	s.root = f
	return s
}

func (s *FSSource) Open(ctx context.Context) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := path.Clean(filepath.ToSlash(s.name))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, s.name)
	}

	f, err := s.root.Open(name)
	if err != nil {
		return nil, mapFSError(err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mapFSError(err)
	}

	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, s.name)
	}

	if ra, ok := f.(io.ReaderAt); ok {
		return &fileBlob{ReaderAt: ra, closer: f, size: info.Size()}, nil
	}

	// fs.File implementations without random access are buffered once.
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("fs read: %w", err)
	}

	s.logger.Debug("buffered file without random access", "name", name, "size", len(data))
	return newBytesBlob(data), nil
}

func mapFSError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}

	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	return fmt.Errorf("fs open: %w", err)
}

// LocalFile describes a file on disk, detecting its MIME type from content.
func LocalFile(p string) (File, error) {
	info, err := os.Stat(p)
	if err != nil {
		return File{}, mapFSError(err)
	}

	if info.IsDir() {
		return File{}, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, p)
	}

	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return File{}, mapFSError(err)
	}

	return File{
		Name:     filepath.Base(p),
		Size:     info.Size(),
		MimeType: mt.String(),
		Source:   NewFSSource(filepath.Dir(p), filepath.Base(p)),
	}, nil
}

// FSFiles describes every regular file below dir in fsys in lexical order.
// Each file is served by an FSSource over the same fsys.
func FSFiles(ctx context.Context, fsys fs.FS, dir string) ([]File, error) {
	dir = path.Clean(strings.Trim(filepath.ToSlash(dir), "/"))

	if !fs.ValidPath(dir) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, dir)
	}

	var files []File
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		mt, err := sniffFS(fsys, p)
		if err != nil {
			return err
		}

		files = append(files, File{
			Name:     path.Base(p),
			Size:     info.Size(),
			MimeType: mt,
			Source:   NewFSSource("", p).WithFS(fsys),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, mapFSError(err)
	}

	return files, nil
}

func sniffFS(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(io.LimitReader(f, DefaultSniffLength))
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

// FallbackSource opens primary and falls back to secondary when it fails,
// e.g. a local cache in front of an object store.
type FallbackSource struct {
	primary   ByteSource
	secondary ByteSource
	logger    Logger
}

func NewFallbackSource(primary, secondary ByteSource) *FallbackSource {
	return &FallbackSource{
		primary:   primary,
		secondary: secondary,
		logger:    NewDefaultLogger(),
	}
}

func (s *FallbackSource) WithLogger(l Logger) *FallbackSource {
	s.logger = l
	return s
}

func (s *FallbackSource) Open(ctx context.Context) (Blob, error) {
	if s.primary == nil && s.secondary == nil {
		return nil, fmt.Errorf("fallback source: no sources configured")
	}

	if s.primary != nil {
		blob, err := s.primary.Open(ctx)
		if err == nil {
			return blob, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if s.secondary == nil {
			return nil, err
		}

		s.logger.Debug("primary source failed, using secondary", "error", err)
	}

	return s.secondary.Open(ctx)
}
