package logmux

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type nopCloser struct{ closed int }

func (c *nopCloser) Close() error { c.closed++; return nil }

func TestCleanupIsIdempotent(t *testing.T) {
	c := &nopCloser{}
	m := New(c)
	m.Cleanup()
	m.Cleanup()
	if c.closed != 1 {
		t.Errorf("closed = %d, want 1", c.closed)
	}
}

func TestRunTTYSplitsLinesAndDropsEmpty(t *testing.T) {
	m := New()
	r := strings.NewReader("hello\r\n\nworld\n")

	var got []Line
	if err := m.RunTTY(r, func(l Line) { got = append(got, l) }); err != nil {
		t.Fatalf("RunTTY: %v", err)
	}

	if len(got) != 2 || got[0].Text != "hello" || got[1].Text != "world" {
		t.Fatalf("got %+v, want [hello world]", got)
	}
	for _, l := range got {
		if l.Stream != StreamStdout {
			t.Errorf("line %+v stream = %v, want StreamStdout", l, l.Stream)
		}
	}
}

func frame(streamType byte, payload string) []byte {
	b := make([]byte, 8+len(payload))
	b[0] = streamType
	size := len(payload)
	b[4] = byte(size >> 24)
	b[5] = byte(size >> 16)
	b[6] = byte(size >> 8)
	b[7] = byte(size)
	copy(b[8:], payload)
	return b
}

func TestRunDemuxSeparatesStdoutAndStderr(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "out line 1\n"))
	buf.Write(frame(2, "err line 1\n"))
	buf.Write(frame(1, "out line 2\n"))

	m := New()
	var got []Line
	if err := m.RunDemux(&buf, func(l Line) { got = append(got, l) }); err != nil {
		t.Fatalf("RunDemux: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %+v, want 3 lines", got)
	}
	if got[0].Stream != StreamStdout || got[0].Text != "out line 1" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Stream != StreamStderr || got[1].Text != "err line 1" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[2].Stream != StreamStdout || got[2].Text != "out line 2" {
		t.Errorf("got[2] = %+v", got[2])
	}
}

func TestRunDemuxFlushesTrailingPartialLine(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "no trailing newline"))

	m := New()
	var got []Line
	if err := m.RunDemux(&buf, func(l Line) { got = append(got, l) }); err != nil {
		t.Fatalf("RunDemux: %v", err)
	}

	if len(got) != 1 || got[0].Text != "no trailing newline" {
		t.Fatalf("got %+v, want one flushed partial line", got)
	}
}

var _ io.Closer = (*nopCloser)(nil)
