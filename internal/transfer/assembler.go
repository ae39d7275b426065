package transfer

import "sync"

// Completed is a fully reassembled file ready for the persistence layer.
type Completed struct {
	TransferID string
	Filename   string
	Data       []byte
}

type pendingAssembly struct {
	filename  string
	totalSize int64
	data      []byte
	chunks    int
}

// Assembler reconstructs files on the receiving side by appending chunks
// in arrival order. Chunk ordering is guaranteed per sender by the control
// channel, so no reordering buffer is needed.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*pendingAssembly
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*pendingAssembly)}
}

// Notify registers an incoming transfer. For an empty file no chunks will
// follow, so the completed (zero-byte) result is returned right away and
// nothing is left pending; otherwise it returns nil.
func (a *Assembler) Notify(id, filename string, totalSize int64) *Completed {
	a.mu.Lock()
	defer a.mu.Unlock()
	if totalSize <= 0 {
		delete(a.pending, id)
		return &Completed{TransferID: id, Filename: filename, Data: []byte{}}
	}
	a.pending[id] = &pendingAssembly{
		filename:  filename,
		totalSize: totalSize,
		data:      make([]byte, 0, totalSize),
	}
	return nil
}

// Chunk appends data to the transfer. When the declared size is reached it
// returns the completed file and frees the entry. A chunk for an unknown
// id returns ErrUnknownTransfer.
func (a *Assembler) Chunk(id string, data []byte) (*Completed, Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[id]
	if !ok {
		return nil, Progress{}, ErrUnknownTransfer
	}
	p.data = append(p.data, data...)
	p.chunks++

	prog := Progress{
		TransferID:    id,
		Filename:      p.filename,
		TotalSize:     p.totalSize,
		BytesReceived: int64(len(p.data)),
		Chunks:        p.chunks,
	}
	if int64(len(p.data)) >= p.totalSize {
		prog.Complete = true
		delete(a.pending, id)
		return &Completed{TransferID: id, Filename: p.filename, Data: p.data}, prog, nil
	}
	return nil, prog, nil
}

// Abort drops a partial transfer, e.g. when its sender leaves.
func (a *Assembler) Abort(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[id]; !ok {
		return false
	}
	delete(a.pending, id)
	return true
}
