// Package sharedinfo implements the read-only GET_SHARED_INFO state page
// (current mode per pipe, primary-pipe hint, active count) and its
// save/restore snapshot wire format. The framed-gob transport mirrors
// migration.Sender/Receiver's length-prefixed message framing
// (migration/transport.go), narrowed from a full VM migration stream to
// a single display-state snapshot.
package sharedinfo

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/connector"
)

// PipeCount bounds the number of pipes this core models.
const PipeCount = 3

// PipeInfo is one pipe's publicly visible state.
type PipeInfo struct {
	Enabled     bool
	Mode        clock.ModeTiming
	ConnectorID connector.ID
}

// Snapshot is the full contents of the shared-info page plus enough
// state to round-trip through save/restore.
type Snapshot struct {
	Pipes              [PipeCount]PipeInfo
	PrimaryPipe        int
	ActiveDisplayCount int
}

// Page is the process-wide read-only state page, updated only after a
// fully successful display commit (§4.11 step 5).
type Page struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewPage returns an empty Page (zero pipes active).
func NewPage() *Page {
	return &Page{snap: Snapshot{PrimaryPipe: -1}}
}

// Read returns the current snapshot, for GET_SHARED_INFO.
func (p *Page) Read() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.snap
}

// Update replaces the published snapshot. Callers must only invoke this
// after a commit has fully succeeded, per §4.11 step 5.
func (p *Page) Update(s Snapshot) {
	p.mu.Lock()
	p.snap = s
	p.mu.Unlock()
}

// MsgType identifies a sharedinfo wire message.
type MsgType uint32

// MsgSnapshot is the only message type this protocol carries.
const MsgSnapshot MsgType = 1

// Sender writes framed Snapshot messages: a 4-byte big-endian type, an
// 8-byte big-endian payload length, then a gob-encoded payload.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send gob-encodes snap and writes it as one framed message.
func (s *Sender) Send(snap Snapshot) error {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		errCh <- gob.NewEncoder(pw).Encode(snap)
		pw.Close()
	}()

	payload, err := io.ReadAll(pr)
	if err != nil {
		return fmt.Errorf("sharedinfo: encode snapshot: %w", err)
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("sharedinfo: encode snapshot: %w", err)
	}

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(MsgSnapshot))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("sharedinfo: write header: %w", err)
	}

	if _, err := s.w.Write(payload); err != nil {
		return fmt.Errorf("sharedinfo: write payload: %w", err)
	}

	return nil
}

// Receiver reads framed Snapshot messages written by a Sender.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Receive reads and gob-decodes one framed Snapshot message.
func (r *Receiver) Receive() (Snapshot, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return Snapshot{}, fmt.Errorf("sharedinfo: read header: %w", err)
	}

	msgType := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	if msgType != MsgSnapshot {
		return Snapshot{}, fmt.Errorf("sharedinfo: unexpected message type %d", msgType)
	}

	n := binary.BigEndian.Uint64(hdr[4:12])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Snapshot{}, fmt.Errorf("sharedinfo: read payload: %w", err)
	}

	var snap Snapshot

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("sharedinfo: decode snapshot: %w", err)
	}

	return snap, nil
}
