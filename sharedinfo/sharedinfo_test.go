package sharedinfo_test

import (
	"bytes"
	"testing"

	"github.com/ivbhsw/gfxkm/clock"
	"github.com/ivbhsw/gfxkm/sharedinfo"
)

func TestPageReadReflectsUpdate(t *testing.T) {
	t.Parallel()

	page := sharedinfo.NewPage()

	if got := page.Read().PrimaryPipe; got != -1 {
		t.Fatalf("fresh Page PrimaryPipe = %d, want -1", got)
	}

	snap := sharedinfo.Snapshot{PrimaryPipe: 0, ActiveDisplayCount: 1}
	snap.Pipes[0] = sharedinfo.PipeInfo{Enabled: true, Mode: clock.ModeTiming{PixelClockKHz: 148500}}

	page.Update(snap)

	got := page.Read()
	if got.PrimaryPipe != 0 || got.ActiveDisplayCount != 1 || !got.Pipes[0].Enabled {
		t.Fatalf("Read() after Update = %+v, want %+v", got, snap)
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	snap := sharedinfo.Snapshot{PrimaryPipe: 1, ActiveDisplayCount: 2}
	snap.Pipes[1] = sharedinfo.PipeInfo{Enabled: true, Mode: clock.ModeTiming{PixelClockKHz: 594000}}

	var buf bytes.Buffer

	if err := sharedinfo.NewSender(&buf).Send(snap); err != nil {
		t.Fatal(err)
	}

	got, err := sharedinfo.NewReceiver(&buf).Receive()
	if err != nil {
		t.Fatal(err)
	}

	if got.PrimaryPipe != snap.PrimaryPipe || got.ActiveDisplayCount != snap.ActiveDisplayCount {
		t.Fatalf("Receive() = %+v, want %+v", got, snap)
	}

	if got.Pipes[1].Mode.PixelClockKHz != 594000 {
		t.Fatalf("Pipes[1].Mode.PixelClockKHz = %d, want 594000", got.Pipes[1].Mode.PixelClockKHz)
	}
}

func TestReceiveRejectsUnknownMessageType(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0})

	if _, err := sharedinfo.NewReceiver(&buf).Receive(); err == nil {
		t.Fatal("Receive with unknown message type: want error, got nil")
	}
}
