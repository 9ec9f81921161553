package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/harunnryd/dengar/pkg/transcript"
)

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\x1b[K"

// Console prints transcripts for a human watching the terminal. Interims
// redraw one line in place; only finals stay on screen.
type Console struct {
	w           io.Writer
	showInterim bool
	mu          sync.Mutex
	pending     bool

	interim *color.Color
	final   *color.Color
	warn    *color.Color
	ok      *color.Color
}

func NewConsole(w io.Writer, showInterim bool) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{
		w:           w,
		showInterim: showInterim,
		interim:     color.New(color.Faint),
		final:       color.New(color.FgCyan, color.Bold),
		warn:        color.New(color.FgYellow),
		ok:          color.New(color.FgGreen),
	}
}

func (c *Console) OnEvent(ev transcript.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case transcript.KindInterim:
		if c.showInterim {
			fmt.Fprint(c.w, clearLine)
			c.interim.Fprintf(c.w, "Interim: %s", ev.Text)
			c.pending = true
		}
	case transcript.KindFinal:
		c.clearPending()
		c.final.Fprint(c.w, "Final:")
		fmt.Fprintf(c.w, " %s\n", ev.Text)
	case transcript.KindProviderError:
		c.clearPending()
		c.warn.Fprintf(c.w, "Provider error: %s\n", ev.Message)
	}
}

func (c *Console) clearPending() {
	if c.pending {
		fmt.Fprint(c.w, clearLine)
		c.pending = false
	}
}

func (c *Console) OnTerminal(out transcript.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearPending()
	switch out.Status {
	case transcript.StatusFailed:
		c.warn.Fprintf(c.w, "Session failed (%s): %v\n", out.Reason, out.Err)
	default:
		c.ok.Fprintf(c.w, "Session %s: %d frames sent, %d dropped, %d events\n",
			out.Status, out.Summary.FramesSent, out.Summary.FramesDropped, out.Summary.Events)
	}
}
