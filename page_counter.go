package uploader

import (
	"context"
	"sync"
)

// FileDetails is what a page counter reports about a document.
type FileDetails struct {
	NumPages int
}

// PageCounter reads the page count of a document on the client side.
type PageCounter interface {
	FileDetails(ctx context.Context, file File) (FileDetails, error)
}

// PageCounterFunc adapts a function to PageCounter.
type PageCounterFunc func(ctx context.Context, file File) (FileDetails, error)

func (f PageCounterFunc) FileDetails(ctx context.Context, file File) (FileDetails, error) {
	return f(ctx, file)
}

// PageCounterHandle builds its counter on first use. The factory runs at most
// once until Reset; a factory error is cached and returned to every caller.
type PageCounterHandle struct {
	mu      sync.Mutex
	factory func() (PageCounter, error)
	counter PageCounter
	err     error
	loaded  bool
}

func NewPageCounterHandle(factory func() (PageCounter, error)) *PageCounterHandle {
	return &PageCounterHandle{factory: factory}
}

// Get returns the counter, initialising it if needed.
func (h *PageCounterHandle) Get() (PageCounter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		h.loaded = true
		if h.factory == nil {
			return nil, nil
		}
		h.counter, h.err = h.factory()
	}

	return h.counter, h.err
}

func (h *PageCounterHandle) FileDetails(ctx context.Context, file File) (FileDetails, error) {
	counter, err := h.Get()
	if err != nil {
		return FileDetails{}, err
	}
	if counter == nil {
		return FileDetails{}, nil
	}
	return counter.FileDetails(ctx, file)
}

// Reset drops the cached counter and error so the next Get runs the factory again.
func (h *PageCounterHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.counter = nil
	h.err = nil
	h.loaded = false
}
