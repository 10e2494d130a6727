package forcewake_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ivbhsw/gfxkm/forcewake"
	"github.com/ivbhsw/gfxkm/ioerr"
	"github.com/ivbhsw/gfxkm/regio"
)

type fakeHW struct {
	wokenAfter int
	requests   int
	woken      map[regio.Domain]int
	neverWake  bool
}

func newFakeHW() *fakeHW { return &fakeHW{woken: make(map[regio.Domain]int)} }

func (f *fakeHW) RequestWake(d regio.Domain) error {
	f.requests++

	return nil
}

func (f *fakeHW) IsWoken(d regio.Domain) (bool, error) {
	if f.neverWake {
		return false, nil
	}

	f.woken[d]++

	return f.woken[d] > f.wokenAfter, nil
}

func (f *fakeHW) AllowSleep(d regio.Domain) error { return nil }

func TestAcquireReleaseRefcount(t *testing.T) {
	t.Parallel()

	hw := newFakeHW()
	c := forcewake.New(hw)

	if err := c.Acquire(regio.DomainRender); err != nil {
		t.Fatal(err)
	}

	if err := c.Acquire(regio.DomainRender); err != nil {
		t.Fatal(err)
	}

	if hw.requests != 1 {
		t.Fatalf("RequestWake called %d times, want 1 (shared wake)", hw.requests)
	}

	if !c.IsAwake(regio.DomainRender) {
		t.Fatal("IsAwake = false after Acquire")
	}

	if err := c.Release(regio.DomainRender); err != nil {
		t.Fatal(err)
	}

	if !c.IsAwake(regio.DomainRender) {
		t.Fatal("IsAwake = false after single Release with refcount still > 0")
	}

	if err := c.Release(regio.DomainRender); err != nil {
		t.Fatal(err)
	}

	if c.IsAwake(regio.DomainRender) {
		t.Fatal("IsAwake = true after refcount reached 0")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	t.Parallel()

	hw := newFakeHW()
	hw.neverWake = true

	c := forcewake.New(hw).WithTimeout(5 * time.Millisecond)

	err := c.Acquire(regio.DomainDisplay)
	if !ioerr.Is(err, ioerr.TimedOut) {
		t.Fatalf("Acquire() = %v, want TimedOut", err)
	}

	if c.IsAwake(regio.DomainDisplay) {
		t.Fatal("IsAwake = true after a timed-out acquire")
	}
}

func TestScopedReleasesOnError(t *testing.T) {
	t.Parallel()

	c := forcewake.New(newFakeHW())
	sentinel := errors.New("boom")

	err := c.Scoped(regio.DomainMedia, func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("Scoped() = %v, want %v", err, sentinel)
	}

	if c.IsAwake(regio.DomainMedia) {
		t.Fatal("IsAwake = true after Scoped returned an error")
	}
}
