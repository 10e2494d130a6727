// Package forcewake implements the reference-counted hardware power-well
// wakers described in spec §4.2. It is not a mutual-exclusion lock:
// multiple acquirers share one wake, and acquire only blocks while
// polling hardware for the "woken" status bit.
package forcewake

import (
	"sync"
	"time"

	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/regio"
)

// DefaultTimeout bounds how long Acquire polls for the wake status bit,
// per spec §4.2.
const DefaultTimeout = 50 * time.Millisecond

const pollInterval = 200 * time.Microsecond

// domainState tracks one domain's refcount and wake status.
type domainState struct {
	mu    sync.Mutex
	count uint32
	awake bool
}

// HW abstracts the three register operations a real force-wake domain
// needs: a request-wake kick, a poll of the "woken" status bit, and a
// release that lets the domain sleep again. Tests
// supply a fake; production code backs this with regio.Space.
type HW interface {
	RequestWake(d regio.Domain) error
	IsWoken(d regio.Domain) (bool, error)
	AllowSleep(d regio.Domain) error
}

// Controller is the force-wake manager for all domains on a Device. It
// implements regio.Gater so a regio.Space can refuse register access to
// a domain that is not currently held awake.
type Controller struct {
	hw      HW
	timeout time.Duration

	mu     sync.Mutex
	states map[regio.Domain]*domainState
}

// New builds a Controller backed by hw, using the default 50ms poll
// ceiling.
func New(hw HW) *Controller {
	return &Controller{
		hw:      hw,
		timeout: DefaultTimeout,
		states:  make(map[regio.Domain]*domainState),
	}
}

// WithTimeout overrides the poll ceiling (tests use this to keep runs
// fast while still exercising the timeout path).
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	c.timeout = d

	return c
}

func (c *Controller) state(d regio.Domain) *domainState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[d]
	if !ok {
		st = &domainState{}
		c.states[d] = st
	}

	return st
}

// Acquire increments domain d's refcount and, on the 0->1 transition,
// requests a wake and blocks until hardware confirms it (or the 50ms
// ceiling elapses).
func (c *Controller) Acquire(d regio.Domain) error {
	st := c.state(d)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.count++

	if st.awake {
		return nil
	}

	if err := c.hw.RequestWake(d); err != nil {
		st.count--

		return ioerr.New("forcewake.Acquire", ioerr.IOError, err)
	}

	deadline := time.Now().Add(c.timeout)

	for {
		woken, err := c.hw.IsWoken(d)
		if err != nil {
			st.count--

			return ioerr.New("forcewake.Acquire", ioerr.IOError, err)
		}

		if woken {
			st.awake = true

			return nil
		}

		if time.Now().After(deadline) {
			st.count--

			return ioerr.New("forcewake.Acquire", ioerr.TimedOut, nil)
		}

		time.Sleep(pollInterval)
	}
}

// Release decrements d's refcount and, at zero, permits hardware
// auto-sleep. Release on an already-zero domain is a no-op, matching the
// fail-soft posture of the rest of this driver core's register layer.
func (c *Controller) Release(d regio.Domain) error {
	st := c.state(d)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.count == 0 {
		return nil
	}

	st.count--

	if st.count == 0 {
		st.awake = false

		return c.hw.AllowSleep(d)
	}

	return nil
}

// IsAwake reports whether d is currently held awake by at least one
// acquirer. Satisfies regio.Gater.
func (c *Controller) IsAwake(d regio.Domain) bool {
	if d == regio.DomainNone {
		return true
	}

	st := c.state(d)

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.awake
}

// Scoped acquires d, runs fn, and releases d on every exit path
// (including panic), the discipline §4.2 requires of every code path
// that acquires a domain.
func (c *Controller) Scoped(d regio.Domain, fn func() error) error {
	if err := c.Acquire(d); err != nil {
		return err
	}
	defer c.Release(d) //nolint:errcheck

	return fn()
}
