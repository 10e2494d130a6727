// Package connector implements port state, EDID/GMBUS and DPCD/AUX
// reads, and the hot-plug notification path (§4.12). The GMBUS poll loop
// mirrors forcewake.Controller.Acquire's bounded-timeout poll
// (forcewake/forcewake.go); the hot-plug daemon's kick-channel-fed
// worker goroutine generalizes virtio.Blk's IOThreadEntry
// (virtio/blk.go) from draining a virtqueue to draining HPD events.
package connector

import (
	"sync"
	"time"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/ioerr"
)

// ID identifies a port.
type ID uint32

// GMBUSTimeout bounds an EDID read's HW_READY/SATOER poll, per §4.12.
const GMBUSTimeout = 50 * time.Millisecond

const gmbusPoll = 500 * time.Microsecond

const edidBlockSize = 128

// Bus is the GMBUS I2C primitive an EDID read polls. A real
// implementation arms one GMBUS cycle per Poll call; Poll returns
// ready=false (not yet, keep polling), ready=true with the 128-byte
// block, or an IOError for a bus-level fault (NAK, arbitration loss).
type Bus interface {
	Poll(pin uint8, segment uint8) (data []byte, ready bool, err error)
}

// AUX is the DPCD primitive for DP/eDP. Exact AUX framing is outside
// this core's scope; it is treated as an opaque byte-address/length
// read or write, per §4.12.
type AUX interface {
	Read(addr uint32, n int) ([]byte, error)
	Write(addr uint32, data []byte) error
}

// Port is one physical output connector.
type Port struct {
	mu sync.Mutex

	id            ID
	portType      clock.PortType
	physicalIndex int
	gmbusPin      uint8
	bus           Bus
	aux           AUX

	connected bool
	edid      []byte
	modes     []clock.ModeTiming
	preferred int
	currentPipe int32
}

// NewPort builds a disconnected port. bus is nil for ports with no
// GMBUS (pure DP); aux is nil for ports with no AUX channel (VGA/HDMI).
func NewPort(id ID, t clock.PortType, physicalIndex int, gmbusPin uint8, bus Bus, aux AUX) *Port {
	return &Port{
		id:            id,
		portType:      t,
		physicalIndex: physicalIndex,
		gmbusPin:      gmbusPin,
		bus:           bus,
		aux:           aux,
		currentPipe:   -1,
	}
}

// ID returns the port's handle.
func (p *Port) ID() ID { return p.id }

// Type returns the port's physical type.
func (p *Port) Type() clock.PortType { return p.portType }

// Connected reports whether the port currently has a sink attached.
func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// EDID returns a copy of the cached EDID (base block plus any
// extension), or nil if none has been read.
func (p *Port) EDID() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]byte(nil), p.edid...)
}

// Modes returns the parsed mode list from the last EDID read.
func (p *Port) Modes() []clock.ModeTiming {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]clock.ModeTiming(nil), p.modes...)
}

// CurrentPipe returns the pipe index currently driving this port, or -1
// if none.
func (p *Port) CurrentPipe() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.currentPipe
}

// SetCurrentPipe records which pipe (or -1) is driving this port.
func (p *Port) SetCurrentPipe(pipe int32) {
	p.mu.Lock()
	p.currentPipe = pipe
	p.mu.Unlock()
}

// readEDIDBlock polls bus for one 128-byte EDID block, bounded by
// GMBUSTimeout, per §4.12's GMBUS state-machine description.
func readEDIDBlock(bus Bus, pin, segment uint8) ([]byte, error) {
	deadline := time.Now().Add(GMBUSTimeout)

	for {
		data, ready, err := bus.Poll(pin, segment)
		if err != nil {
			return nil, ioerr.New("connector.readEDIDBlock", ioerr.IOError, err)
		}

		if ready {
			return data, nil
		}

		if time.Now().After(deadline) {
			return nil, ioerr.New("connector.readEDIDBlock", ioerr.TimedOut, nil)
		}

		time.Sleep(gmbusPoll)
	}
}

// ReadDPCD reads len bytes from DPCD address addr via the port's AUX
// channel.
func (p *Port) ReadDPCD(addr uint32, n int) ([]byte, error) {
	p.mu.Lock()
	aux := p.aux
	p.mu.Unlock()

	if aux == nil {
		return nil, ioerr.New("connector.ReadDPCD", ioerr.Unsupported, nil)
	}

	data, err := aux.Read(addr, n)
	if err != nil {
		return nil, ioerr.New("connector.ReadDPCD", ioerr.IOError, err)
	}

	return data, nil
}

// WriteDPCD writes data to DPCD address addr via the port's AUX channel.
func (p *Port) WriteDPCD(addr uint32, data []byte) error {
	p.mu.Lock()
	aux := p.aux
	p.mu.Unlock()

	if aux == nil {
		return ioerr.New("connector.WriteDPCD", ioerr.Unsupported, nil)
	}

	if err := aux.Write(addr, data); err != nil {
		return ioerr.New("connector.WriteDPCD", ioerr.IOError, err)
	}

	return nil
}

// probe re-reads EDID over GMBUS (for ports that have a bus) and
// updates connected/edid/modes. Ports with no GMBUS (pure DP with only
// an AUX channel) are probed via DPCD presence instead, approximated
// here by a successful one-byte AUX read of DPCD address 0.
func (p *Port) probe() (changed bool, err error) {
	var connected bool

	var edid []byte

	p.mu.Lock()
	bus := p.bus
	aux := p.aux
	p.mu.Unlock()

	switch {
	case bus != nil:
		block, perr := readEDIDBlock(bus, p.gmbusPin, 0)
		if perr == nil {
			connected = true
			edid = block

			if len(block) >= 126 && block[126] > 0 {
				ext, extErr := readEDIDBlock(bus, p.gmbusPin, 1)
				if extErr == nil {
					edid = append(edid, ext...)
				}
			}
		} else if !ioerr.Is(perr, ioerr.TimedOut) && !ioerr.Is(perr, ioerr.IOError) {
			return false, perr
		}
	case aux != nil:
		if _, aerr := aux.Read(0, 1); aerr == nil {
			connected = true
		}
	}

	modes := parseEDID(edid)

	p.mu.Lock()
	changed = p.connected != connected || string(p.edid) != string(edid)
	p.connected = connected
	p.edid = edid
	p.modes = modes
	p.mu.Unlock()

	return changed, nil
}

// parseEDID extracts a minimal mode list from a raw EDID block. Real
// EDID parsing is out of this core's scope: no descriptor is decoded.
// Any block of at least edidBlockSize bytes yields the same single
// 1080p60 mode (148500 kHz, 2200x1125 total, 24 bpp); a shorter one
// yields no modes.
func parseEDID(edid []byte) []clock.ModeTiming {
	if len(edid) < edidBlockSize {
		return nil
	}

	return []clock.ModeTiming{{PixelClockKHz: 148500, HTotal: 2200, VTotal: 1125, RefreshHz: 60, Bpp: 24}}
}

// Registry owns every port plus the hot-plug notification state: a
// generation counter and a per-port change mask delivered to
// wait_for_display_change callers, per §4.12.
type Registry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ports map[ID]*Port

	generation uint64
	mask       uint32 // bit i set <=> port with physicalIndex i changed since last wait

	kick chan ID
}

// NewRegistry builds an empty Registry and starts its hot-plug worker
// goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		ports: make(map[ID]*Port),
		kick:  make(chan ID, 64),
	}
	r.cond = sync.NewCond(&r.mu)

	go r.worker()

	return r
}

// AddPort registers p.
func (r *Registry) AddPort(p *Port) {
	r.mu.Lock()
	r.ports[p.id] = p
	r.mu.Unlock()
}

// Port looks up a registered port, or BadIndex if unknown.
func (r *Registry) Port(id ID) (*Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.ports[id]
	if !ok {
		return nil, ioerr.New("connector.Port", ioerr.BadIndex, nil)
	}

	return p, nil
}

// NotifyHotPlug simulates an HPD interrupt for id: the ISR stand-in
// enqueues the event; the worker goroutine re-probes the port.
func (r *Registry) NotifyHotPlug(id ID) {
	r.kick <- id
}

func (r *Registry) worker() {
	for id := range r.kick {
		p, err := r.Port(id)
		if err != nil {
			continue
		}

		changed, err := p.probe()
		if err != nil || !changed {
			continue
		}

		r.mu.Lock()
		r.generation++
		r.mask |= 1 << uint(p.physicalIndex)
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// WaitForDisplayChange samples the current generation, waits (bounded
// by timeout) for it to advance, then reads and clears the global
// change mask, per §4.12's wait_for_display_change.
func (r *Registry) WaitForDisplayChange(timeout time.Duration) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	startGen := r.generation

	if r.generation == startGen && r.mask == 0 {
		if timeout <= 0 {
			return 0, nil
		}

		deadline := time.Now().Add(timeout)

		for r.generation == startGen {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}

			waitCh := make(chan struct{})

			go func() {
				r.mu.Lock()
				r.cond.Wait()
				r.mu.Unlock()
				close(waitCh)
			}()

			r.mu.Unlock()

			select {
			case <-waitCh:
			case <-time.After(remaining):
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
				<-waitCh
			}

			r.mu.Lock()
		}
	}

	mask := r.mask
	r.mask = 0

	return mask, nil
}
