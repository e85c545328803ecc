package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestScreenPlainText(t *testing.T) {
	c := New(20, 4)

	if _, err := c.Write([]byte("boot ok\r\nlogin:")); err != nil {
		t.Fatalf("write: %v", err)
	}

	lines := strings.Split(c.Screen(), "\n")
	if len(lines) != 4 {
		t.Fatalf("%d lines", len(lines))
	}
	if lines[0] != "boot ok" {
		t.Errorf("line 0 %q", lines[0])
	}
	if lines[1] != "login:" {
		t.Errorf("line 1 %q", lines[1])
	}
	if lines[2] != "" || lines[3] != "" {
		t.Errorf("blank lines not empty: %q %q", lines[2], lines[3])
	}
}

func TestEscapeSequencesInterpreted(t *testing.T) {
	c := New(20, 2)

	// Colored text, then cursor-home and overwrite.
	c.Write([]byte("\x1b[31mred alert\x1b[0m\r\n"))
	c.Write([]byte("\x1b[Hgreen"))

	lines := strings.Split(c.Screen(), "\n")
	if lines[0] != "greenalert" {
		t.Errorf("line 0 %q, want overwrite result", lines[0])
	}
	if strings.Contains(c.Screen(), "\x1b") {
		t.Error("escape bytes leaked into the rendered screen")
	}
}

func TestTailKeepsRawBytes(t *testing.T) {
	c := New(20, 2)

	raw := []byte("\x1b[31mhot\x1b[0m")
	c.Write(raw)
	if !bytes.Equal(c.Tail(), raw) {
		t.Errorf("tail %q", c.Tail())
	}
}

func TestTailBounded(t *testing.T) {
	c := New(80, 25)

	chunk := bytes.Repeat([]byte{'a'}, 1024)
	for i := 0; i < 20; i++ {
		c.Write(chunk)
	}
	tail := c.Tail()
	if len(tail) != tailSize {
		t.Fatalf("tail length %d, want %d", len(tail), tailSize)
	}
	if tail[0] != 'a' || tail[len(tail)-1] != 'a' {
		t.Error("tail content corrupted")
	}
}

func TestResize(t *testing.T) {
	c := New(10, 2)
	c.Resize(5, 3)
	if cols, rows := c.Size(); cols != 5 || rows != 3 {
		t.Errorf("size %dx%d", cols, rows)
	}
	if got := strings.Count(c.Screen(), "\n"); got != 2 {
		t.Errorf("%d newlines after resize", got)
	}
}
