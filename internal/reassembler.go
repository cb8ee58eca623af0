package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"chatrelay/internal/storage"
)

// transfer accumulates the chunks of one upload in arrival order. Metadata is
// captured from the first chunk; later chunks are trusted to repeat it.
type transfer struct {
	chunks   [][]byte
	size     int
	fileName string
	mimeType string
	roomID   string
	sender   string
	text     string
	done     bool
}

// CompletedTransfer is the result of a finished upload: the artifact is on
// disk and ready to be persisted as a message and broadcast.
type CompletedTransfer struct {
	RoomID     string
	Sender     string
	Text       string
	Attachment storage.FileAttachment
	DiskPath   string
	Size       int
}

// Reassembler accumulates chunked uploads keyed by transfer id. In-flight
// state lives in an idle-TTL cache so a transfer that never sees its last
// chunk is evicted instead of leaking its buffers, and a capacity ceiling
// rejects new transfers once too many are in flight.
type Reassembler struct {
	log          *zap.Logger
	uploadDir    string
	maxTransfers int
	maxBytes     int

	mu        sync.Mutex
	transfers *cache.Cache
	// Completed ids are remembered briefly so a replayed last-chunk signal
	// cannot mint a second artifact for the same transfer.
	completed *cache.Cache
}

func NewReassembler(log *zap.Logger, uploadDir string, idleTTL time.Duration, maxTransfers, maxBytes int) *Reassembler {
	r := &Reassembler{
		log:          log,
		uploadDir:    uploadDir,
		maxTransfers: maxTransfers,
		maxBytes:     maxBytes,
		transfers:    cache.New(idleTTL, idleTTL),
		completed:    cache.New(2*idleTTL, idleTTL),
	}
	r.transfers.OnEvicted(func(fileID string, v interface{}) {
		t, ok := v.(*transfer)
		if !ok || t.done {
			return
		}
		log.Warn("evicting stalled transfer",
			zap.String("fileId", fileID),
			zap.Int("chunks", len(t.chunks)),
			zap.Int("bytes", t.size))
	})
	return r
}

// Ingest processes one chunk. It returns a non-nil CompletedTransfer only
// when this chunk completed the upload and the artifact was written. Chunks
// without a transfer id are ignored. Any failure discards all state for the
// id so a retry cannot concatenate onto a partial buffer.
func (r *Reassembler) Ingest(p FileChunkPayload) (*CompletedTransfer, error) {
	if p.FileID == "" {
		return nil, nil
	}

	t, err := r.accumulate(p)
	if err != nil || t == nil {
		return nil, err
	}

	// The artifact write happens outside the lock so one slow disk does not
	// stall chunk ingestion for every other connection.
	completed, err := r.finish(t)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.completed.SetDefault(p.FileID, struct{}{})
	r.mu.Unlock()
	r.log.Info("transfer assembled",
		zap.String("fileId", p.FileID),
		zap.String("path", completed.DiskPath),
		zap.Int("bytes", completed.Size))
	return completed, nil
}

// accumulate applies one chunk under the lock. It returns the transfer only
// when the chunk was flagged last and the buffers are ready to assemble.
func (r *Reassembler) accumulate(p FileChunkPayload) (*transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, replayed := r.completed.Get(p.FileID); replayed {
		r.log.Warn("chunk for already-completed transfer ignored", zap.String("fileId", p.FileID))
		return nil, nil
	}

	var t *transfer
	if v, ok := r.transfers.Get(p.FileID); ok {
		t = v.(*transfer)
	} else {
		if r.transfers.ItemCount() >= r.maxTransfers {
			return nil, fmt.Errorf("too many uploads in flight (%d)", r.maxTransfers)
		}
		t = &transfer{
			fileName: p.FileName,
			mimeType: p.MimeType,
			roomID:   p.RoomID,
			sender:   p.Sender,
			text:     p.Text,
		}
	}

	if t.size+len(p.Chunk) > r.maxBytes {
		t.done = true
		r.transfers.Delete(p.FileID)
		return nil, fmt.Errorf("upload exceeds %d bytes", r.maxBytes)
	}
	t.chunks = append(t.chunks, p.Chunk)
	t.size += len(p.Chunk)

	if !p.IsLastChunk {
		// Re-setting refreshes the idle window for this transfer.
		r.transfers.Set(p.FileID, t, cache.DefaultExpiration)
		return nil, nil
	}

	t.done = true
	r.transfers.Delete(p.FileID)
	return t, nil
}

// InFlight returns the number of transfers currently accumulating.
func (r *Reassembler) InFlight() int {
	return r.transfers.ItemCount()
}

func (r *Reassembler) finish(t *transfer) (*CompletedTransfer, error) {
	blob := make([]byte, 0, t.size)
	for _, chunk := range t.chunks {
		blob = append(blob, chunk...)
	}

	base := sanitizeFileName(t.fileName)
	storageName := fmt.Sprintf("%d-%s", time.Now().UnixNano(), base)
	diskPath := filepath.Join(r.uploadDir, storageName)
	if err := os.WriteFile(diskPath, blob, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	return &CompletedTransfer{
		RoomID: t.roomID,
		Sender: t.sender,
		Text:   t.text,
		Attachment: storage.FileAttachment{
			FileName: t.fileName,
			FilePath: "/uploads/" + storageName,
			MimeType: t.mimeType,
		},
		DiskPath: diskPath,
		Size:     len(blob),
	}, nil
}

// sanitizeFileName strips any directory component from a sender-supplied name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ReplaceAll(name, "\x00", "")
	base := filepath.Base(name)
	if base == "" || base == "." || base == ".." || base == "/" {
		return "unnamed"
	}
	return base
}
