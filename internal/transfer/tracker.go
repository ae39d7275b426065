// Package transfer tracks in-flight file sends. The server side (Tracker)
// only counts progress while forwarding chunks; the client side (Assembler)
// reassembles the bytes for the persistence layer.
package transfer

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrUnknownTransfer = errors.New("transfer: chunk for unknown transfer id")

// Progress is a read-only view of one transfer's state.
type Progress struct {
	TransferID    string `json:"transfer_id"`
	Filename      string `json:"filename"`
	TotalSize     int64  `json:"total_size"`
	BytesReceived int64  `json:"bytes_received"`
	Chunks        int    `json:"chunks"`
	Complete      bool   `json:"complete"`
}

type trackedTransfer struct {
	filename      string
	totalSize     int64
	bytesReceived int64
	chunks        int
}

// Tracker follows transfers flowing through the relay. Contents are never
// retained; completed entries are dropped so the table stays bounded.
type Tracker struct {
	mu        sync.Mutex
	transfers map[string]*trackedTransfer
}

func NewTracker() *Tracker {
	return &Tracker{transfers: make(map[string]*trackedTransfer)}
}

// Notify registers a transfer announced by FILE_NOTIFY. Re-announcing an
// id restarts its accounting. An empty file is complete the moment it is
// announced: no chunks follow, so nothing may linger in the table.
func (t *Tracker) Notify(id, filename string, totalSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if totalSize <= 0 {
		delete(t.transfers, id)
		log.Debug().Str("module", "transfer").Str("transfer_id", id).Str("filename", filename).Msg("empty transfer complete at announce")
		return
	}
	t.transfers[id] = &trackedTransfer{filename: filename, totalSize: totalSize}
	log.Debug().Str("module", "transfer").Str("transfer_id", id).Str("filename", filename).Int64("size", totalSize).Msg("transfer announced")
}

// Chunk advances a transfer by n payload bytes. A chunk with no preceding
// notify returns ErrUnknownTransfer; the caller logs and drops it. On
// completion the entry is freed and the returned Progress has Complete set.
func (t *Tracker) Chunk(id string, n int) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[id]
	if !ok {
		return Progress{}, ErrUnknownTransfer
	}
	tr.bytesReceived += int64(n)
	tr.chunks++

	p := Progress{
		TransferID:    id,
		Filename:      tr.filename,
		TotalSize:     tr.totalSize,
		BytesReceived: tr.bytesReceived,
		Chunks:        tr.chunks,
	}
	if tr.bytesReceived >= tr.totalSize {
		p.Complete = true
		delete(t.transfers, id)
		log.Debug().Str("module", "transfer").Str("transfer_id", id).Int64("bytes", tr.bytesReceived).Msg("transfer complete")
	}
	return p, nil
}

// Snapshot lists transfers still in flight.
func (t *Tracker) Snapshot() []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Progress, 0, len(t.transfers))
	for id, tr := range t.transfers {
		out = append(out, Progress{
			TransferID:    id,
			Filename:      tr.filename,
			TotalSize:     tr.totalSize,
			BytesReceived: tr.bytesReceived,
			Chunks:        tr.chunks,
		})
	}
	return out
}
