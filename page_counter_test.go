package uploader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCounterHandleLoadsOnce(t *testing.T) {
	var loads int
	handle := NewPageCounterHandle(func() (PageCounter, error) {
		loads++
		return PageCounterFunc(func(ctx context.Context, file File) (FileDetails, error) {
			return FileDetails{NumPages: 12}, nil
		}), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			details, err := handle.FileDetails(context.Background(), File{Name: "doc.pdf"})
			assert.NoError(t, err)
			assert.Equal(t, 12, details.NumPages)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, loads)
}

func TestPageCounterHandleCachesError(t *testing.T) {
	boom := errors.New("wasm module failed to load")
	var loads int
	handle := NewPageCounterHandle(func() (PageCounter, error) {
		loads++
		return nil, boom
	})

	_, err := handle.FileDetails(context.Background(), File{})
	require.ErrorIs(t, err, boom)

	_, err = handle.Get()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, loads)

	handle.Reset()
	_, err = handle.Get()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, loads)
}

func TestPageCounterHandleNilFactory(t *testing.T) {
	handle := NewPageCounterHandle(nil)

	counter, err := handle.Get()
	require.NoError(t, err)
	assert.Nil(t, counter)

	details, err := handle.FileDetails(context.Background(), File{})
	require.NoError(t, err)
	assert.Zero(t, details.NumPages)
}
