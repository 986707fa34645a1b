package vioblk_test

import (
	"testing"
	"time"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
	"rv39kernel/internal/stream"
	"rv39kernel/internal/vioblk"
)

const timeout = 2 * time.Second

// onThread runs fn on a freshly spawned scheduler thread and returns its
// result, since vioblk.Device's Read/Write/Ctl/Open/Close all call
// sched.Scheduler.Current and block the calling thread across a submit to
// the device thread, so they must be driven by a real scheduled thread, not
// the test goroutine directly.
func onThread[T any](t *testing.T, s *sched.Scheduler, fn func(tt *sched.Thread) T) T {
	t.Helper()

	out := make(chan T, 1)
	s.Spawn("test-caller", func(tt *sched.Thread) {
		out <- fn(tt)
	})

	select {
	case v := <-out:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for scheduler thread")
		var zero T
		return zero
	}
}

func newTestDevice(t *testing.T, sectors int) (*sched.Scheduler, *vioblk.Device) {
	t.Helper()

	s := sched.New(log.DefaultLogger())
	image := make([]byte, sectors*vioblk.DefaultBlockSize)
	d := vioblk.NewMemoryBackedDevice(0, image, s, log.DefaultLogger())

	return s, d
}

type openResult struct {
	h stream.Stream
	e errno.Errno
}

func TestOpenExcludesSecondOpener(t *testing.T) {
	t.Parallel()

	s, d := newTestDevice(t, 4)

	r1 := onThread(t, s, func(tt *sched.Thread) openResult {
		h, e := d.Open()
		return openResult{h, e}
	})

	if r1.e.IsError() {
		t.Fatalf("first Open: %v", r1.e)
	}

	r2 := onThread(t, s, func(tt *sched.Thread) openResult {
		h, e := d.Open()
		return openResult{h, e}
	})

	if r2.e != errno.EBUSY {
		t.Errorf("second Open = %v, want EBUSY", r2.e)
	}

	onThread(t, s, func(tt *sched.Thread) struct{} {
		r1.h.Close()
		return struct{}{}
	})

	r3 := onThread(t, s, func(tt *sched.Thread) openResult {
		h, e := d.Open()
		return openResult{h, e}
	})

	if r3.e.IsError() {
		t.Errorf("Open after Close = %v, want Success", r3.e)
	}
}

func openDevice(t *testing.T, s *sched.Scheduler, d *vioblk.Device) stream.Stream {
	t.Helper()

	r := onThread(t, s, func(tt *sched.Thread) openResult {
		h, e := d.Open()
		return openResult{h, e}
	})

	if r.e.IsError() {
		t.Fatalf("Open: %v", r.e)
	}

	return r.h
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	t.Parallel()

	s, d := newTestDevice(t, 4)
	h := openDevice(t, s, d)

	payload := make([]byte, vioblk.DefaultBlockSize*2)
	for i := range payload {
		payload[i] = byte(i)
	}

	type rwResult struct {
		n int
		e errno.Errno
	}

	wr := onThread(t, s, func(tt *sched.Thread) rwResult {
		n, e := h.Write(payload)
		return rwResult{n, e}
	})

	if wr.e.IsError() || wr.n != len(payload) {
		t.Fatalf("Write = (%d, %v), want (%d, Success)", wr.n, wr.e, len(payload))
	}

	var pos uint64
	onThread(t, s, func(tt *sched.Thread) struct{} {
		if e := h.Ctl(stream.GETPOS, &pos); e.IsError() {
			t.Fatalf("Ctl GETPOS: %v", e)
		}
		return struct{}{}
	})

	if pos != uint64(len(payload)) {
		t.Fatalf("position after write = %d, want %d", pos, len(payload))
	}

	onThread(t, s, func(tt *sched.Thread) struct{} {
		if e := h.Ctl(stream.SETPOS, uint64(0)); e.IsError() {
			t.Fatalf("Ctl SETPOS: %v", e)
		}
		return struct{}{}
	})

	got := make([]byte, len(payload))
	rr := onThread(t, s, func(tt *sched.Thread) rwResult {
		n, e := h.Read(got)
		return rwResult{n, e}
	})

	if rr.e.IsError() || rr.n != len(got) {
		t.Fatalf("Read = (%d, %v), want (%d, Success)", rr.n, rr.e, len(got))
	}

	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}
}

func TestPartialWritePreservesSurroundingBytes(t *testing.T) {
	t.Parallel()

	s, d := newTestDevice(t, 2)
	h := openDevice(t, s, d)

	full := make([]byte, vioblk.DefaultBlockSize)
	for i := range full {
		full[i] = 0xAA
	}

	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Write(full)
		return struct{}{}
	})

	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Ctl(stream.SETPOS, uint64(4))
		return struct{}{}
	})

	onThread(t, s, func(tt *sched.Thread) struct{} {
		n, e := h.Write([]byte{1, 2, 3})
		if e.IsError() || n != 3 {
			t.Fatalf("partial Write = (%d, %v), want (3, Success)", n, e)
		}
		return struct{}{}
	})

	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Ctl(stream.SETPOS, uint64(0))
		return struct{}{}
	})

	got := make([]byte, vioblk.DefaultBlockSize)
	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Read(got)
		return struct{}{}
	})

	want := append([]byte(nil), full...)
	copy(want[4:7], []byte{1, 2, 3})

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x (partial write must read-modify-write)", i, got[i], want[i])
		}
	}
}

func TestCtlGetLenAndBlockSize(t *testing.T) {
	t.Parallel()

	s, d := newTestDevice(t, 4)
	h := openDevice(t, s, d)

	var length uint64
	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Ctl(stream.GETLEN, &length)
		return struct{}{}
	})

	if want := uint64(4 * vioblk.DefaultBlockSize); length != want {
		t.Errorf("GETLEN = %d, want %d", length, want)
	}

	var blkSize uint32
	onThread(t, s, func(tt *sched.Thread) struct{} {
		h.Ctl(stream.GETBLKSZ, &blkSize)
		return struct{}{}
	})

	if blkSize != vioblk.DefaultBlockSize {
		t.Errorf("GETBLKSZ = %d, want %d", blkSize, vioblk.DefaultBlockSize)
	}
}
