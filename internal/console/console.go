// Package console captures the guest's serial output through a terminal
// emulator so diagnostics can show the screen the guest believes it is
// drawing, escape sequences and all.
package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	// DefaultCols and DefaultRows match the geometry guests assume for a
	// serial console.
	DefaultCols = 80
	DefaultRows = 25

	tailSize = 8 << 10
)

// Capture is an io.Writer that feeds a VT emulator. It keeps the rendered
// screen and a raw tail of recent output.
type Capture struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	cols int
	rows int

	tail    [tailSize]byte
	tailLen int
	tailPos int
}

func New(cols, rows int) *Capture {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	muteQueryResponses(emu)
	return &Capture{emu: emu, cols: cols, rows: rows}
}

// muteQueryResponses swallows status and attribute queries. Nothing reads
// the emulator's input side here, so generated responses would pile up.
func muteQueryResponses(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(ansi.Params) bool { return true })
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(ansi.Params) bool { return true })
	emu.RegisterCsiHandler('c', func(ansi.Params) bool { return true })
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(ansi.Params) bool { return true })
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range p {
		c.tail[c.tailPos] = b
		c.tailPos = (c.tailPos + 1) % tailSize
		if c.tailLen < tailSize {
			c.tailLen++
		}
	}
	return c.emu.Write(p)
}

// Size returns the emulator geometry.
func (c *Capture) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Resize changes the emulator geometry, clearing nothing.
func (c *Capture) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
	c.emu.Resize(cols, rows)
}

// Screen renders the current terminal contents as plain text, one line
// per row with trailing blanks trimmed.
func (c *Capture) Screen() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	for y := 0; y < c.rows; y++ {
		var line strings.Builder
		for x := 0; x < c.cols; {
			w := 1
			content := " "
			if cell := c.emu.CellAt(x, y); cell != nil {
				content = cell.Content
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			line.WriteString(content)
			x += w
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		if y != c.rows-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Tail returns the most recent raw output bytes, escape sequences
// included, up to an internal cap.
func (c *Capture) Tail() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, c.tailLen)
	start := (c.tailPos - c.tailLen + tailSize) % tailSize
	for i := 0; i < c.tailLen; i++ {
		out[i] = c.tail[(start+i)%tailSize]
	}
	return out
}
