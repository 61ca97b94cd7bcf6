package uploader

import (
	"fmt"
	"sort"
)

// UploadSlot is one pre-signed destination for a chunk.
type UploadSlot struct {
	URL        string `json:"href"`
	PartNumber int    `json:"partNumber"`
}

// AssetRecord is the server-side handle for an in-progress upload.
type AssetRecord struct {
	ID          string       `json:"id"`
	BlockSize   int64        `json:"blockSize"`
	UploadSlots []UploadSlot `json:"uploadUrls"`
}

// AssetMetadata is what the service reports once an asset is processed.
type AssetMetadata struct {
	NumPages int    `json:"numPages"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// File is a caller supplied file to upload.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Source   ByteSource
}

// FileUploadUnit pairs a file with the asset record created for it.
type FileUploadUnit struct {
	Index      int
	File       File
	Asset      *AssetRecord
	Blob       Blob
	ChunkCount int
}

// NewFileUploadUnit computes the chunk count for file against asset's block size.
func NewFileUploadUnit(index int, file File, asset *AssetRecord, blob Blob) *FileUploadUnit {
	unit := &FileUploadUnit{
		Index: index,
		File:  file,
		Asset: asset,
		Blob:  blob,
	}

	if asset != nil && asset.BlockSize > 0 {
		unit.ChunkCount = int((file.Size + asset.BlockSize - 1) / asset.BlockSize)
	}

	return unit
}

// CheckSlots verifies the chunk count matches the number of upload slots.
func (u *FileUploadUnit) CheckSlots() error {
	if u.Asset == nil || u.Asset.BlockSize <= 0 {
		return fmt.Errorf("%w: asset has no block size", ErrChunkCountMismatch)
	}

	if u.Blob == nil {
		return fmt.Errorf("chunk upload: no blob opened for %s", u.File.Name)
	}

	if u.ChunkCount != len(u.Asset.UploadSlots) {
		return fmt.Errorf("%w: %d chunks for %d upload urls", ErrChunkCountMismatch, u.ChunkCount, len(u.Asset.UploadSlots))
	}

	return nil
}

// Tasks slices the unit into chunk tasks, one per upload slot.
func (u *FileUploadUnit) Tasks() []ChunkTask {
	tasks := make([]ChunkTask, 0, u.ChunkCount)
	for i := 0; i < u.ChunkCount && i < len(u.Asset.UploadSlots); i++ {
		slot := u.Asset.UploadSlots[i]

		offset := int64(i) * u.Asset.BlockSize
		length := u.Asset.BlockSize
		if offset+length > u.File.Size {
			length = u.File.Size - offset
		}

		part := slot.PartNumber
		if part <= 0 {
			part = i + 1
		}

		tasks = append(tasks, ChunkTask{
			FileIndex:  u.Index,
			PartNumber: part,
			Offset:     offset,
			Length:     length,
			URL:        slot.URL,
		})
	}
	return tasks
}

// ChunkTask is a single byte range bound for a single destination.
type ChunkTask struct {
	FileIndex  int
	PartNumber int
	Offset     int64
	Length     int64
	URL        string
}

// FailedChunk records the first fatal failure of a file. PartNumber is zero
// when the file failed before any chunk was attempted.
type FailedChunk struct {
	FileIndex  int
	PartNumber int
	Kind       ErrorKind
	Err        error
}

// UploadOutcome is the terminal result of a chunk upload run.
type UploadOutcome struct {
	SucceededFiles    []int
	FailedFiles       map[int]FailedChunk
	PerFileMaxAttempt map[int]int
	Cancelled         bool
}

func newUploadOutcome() *UploadOutcome {
	return &UploadOutcome{
		FailedFiles:       make(map[int]FailedChunk),
		PerFileMaxAttempt: make(map[int]int),
	}
}

// Failed reports whether fileIndex has a failure record.
func (o *UploadOutcome) Failed(fileIndex int) bool {
	_, ok := o.FailedFiles[fileIndex]
	return ok
}

// Succeeded reports whether every chunk of fileIndex was uploaded.
func (o *UploadOutcome) Succeeded(fileIndex int) bool {
	for _, idx := range o.SucceededFiles {
		if idx == fileIndex {
			return true
		}
	}
	return false
}

// FailedIndexes returns the failed file indexes in ascending order.
func (o *UploadOutcome) FailedIndexes() []int {
	out := make([]int, 0, len(o.FailedFiles))
	for idx := range o.FailedFiles {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
