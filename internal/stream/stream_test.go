package stream_test

import (
	"testing"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/stream"
)

// closeCounter is a minimal Stream that records how many times Close
// actually reaches the concrete implementation, to verify Handle's
// refcounting only forwards the final Close.
type closeCounter struct {
	closes int
}

func (c *closeCounter) Close() errno.Errno                  { c.closes++; return errno.Success }
func (c *closeCounter) Read(buf []byte) (int, errno.Errno)  { return 0, errno.Success }
func (c *closeCounter) Write(buf []byte) (int, errno.Errno) { return len(buf), errno.Success }
func (c *closeCounter) Ctl(cmd int, arg any) errno.Errno    { return errno.ENOTSUP }

func TestHandleRefcounting(t *testing.T) {
	t.Parallel()

	c := &closeCounter{}
	h := stream.NewHandle(c)

	if got := h.Refcnt(); got != 1 {
		t.Fatalf("Refcnt() after NewHandle = %d, want 1", got)
	}

	dup := h.Ref()
	if dup != h {
		t.Error("Ref() should return the same *Handle")
	}

	if got := h.Refcnt(); got != 2 {
		t.Fatalf("Refcnt() after Ref = %d, want 2", got)
	}

	if e := h.Close(); e != errno.Success {
		t.Fatalf("first Close() = %v, want Success", e)
	}

	if c.closes != 0 {
		t.Errorf("concrete Close called after first Handle.Close, want it deferred until refcnt 0")
	}

	if e := h.Close(); e != errno.Success {
		t.Fatalf("second Close() = %v, want Success", e)
	}

	if c.closes != 1 {
		t.Errorf("concrete Close called %d times, want exactly 1 once refcnt reaches 0", c.closes)
	}
}

func TestHandleCloseWithoutBalancedRef(t *testing.T) {
	t.Parallel()

	h := stream.NewHandle(&closeCounter{})

	if e := h.Close(); e != errno.Success {
		t.Fatalf("Close() = %v, want Success", e)
	}

	if e := h.Close(); e != errno.EINVAL {
		t.Errorf("extra Close() = %v, want EINVAL", e)
	}
}

func TestLiteralReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 8)
	l := stream.NewLiteral(buf)

	n, e := l.Write([]byte("hello"))
	if e != errno.Success || n != 5 {
		t.Fatalf("Write() = (%d, %v), want (5, Success)", n, e)
	}

	var pos uint64
	if e := l.Ctl(stream.GETPOS, &pos); e != errno.Success || pos != 5 {
		t.Fatalf("GETPOS = (%d, %v), want (5, Success)", pos, e)
	}

	if e := l.Ctl(stream.SETPOS, uint64(0)); e != errno.Success {
		t.Fatalf("SETPOS = %v, want Success", e)
	}

	got := make([]byte, 5)
	n, e = l.Read(got)
	if e != errno.Success || n != 5 || string(got) != "hello" {
		t.Fatalf("Read() = (%d, %v, %q), want (5, Success, %q)", n, e, got, "hello")
	}
}

func TestLiteralWriteClipsToCapacity(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4)
	l := stream.NewLiteral(buf)

	n, e := l.Write([]byte("way too long"))
	if e != errno.Success || n != 4 {
		t.Fatalf("Write() = (%d, %v), want (4, Success)", n, e)
	}

	n, e = l.Write([]byte("more"))
	if e != errno.Success || n != 0 {
		t.Errorf("Write() at capacity = (%d, %v), want (0, Success)", n, e)
	}
}

func TestLiteralGetLen(t *testing.T) {
	t.Parallel()

	l := stream.NewLiteral(make([]byte, 42))

	var length uint64
	if e := l.Ctl(stream.GETLEN, &length); e != errno.Success || length != 42 {
		t.Errorf("GETLEN = (%d, %v), want (42, Success)", length, e)
	}
}

func TestLiteralSetPosOutOfRange(t *testing.T) {
	t.Parallel()

	l := stream.NewLiteral(make([]byte, 4))

	if e := l.Ctl(stream.SETPOS, uint64(5)); e != errno.EINVAL {
		t.Errorf("SETPOS past end = %v, want EINVAL", e)
	}
}

func TestLiteralUnknownCtl(t *testing.T) {
	t.Parallel()

	l := stream.NewLiteral(make([]byte, 4))

	if e := l.Ctl(999, nil); e != errno.ENOTSUP {
		t.Errorf("Ctl(unknown) = %v, want ENOTSUP", e)
	}
}
