package app

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/prismnexus/internal/live"
	"github.com/MrWong99/prismnexus/pkg/audio"
)

// meterEvery throttles the terminal meter; the visualiser itself runs faster.
const meterEvery = 100 * time.Millisecond

// console renders session state and the input level meter on a terminal.
type console struct {
	mu        sync.Mutex
	w         io.Writer
	bars      int
	lastMeter time.Time
	meterLine bool
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// stateLabel is the headline shown for a state.
func stateLabel(s live.State) string {
	if s == live.Idle {
		return "NEURAL LINK STANDBY"
	}
	return strings.ToUpper(s.String()) + " /// CHANNEL SECURE"
}

// buttonLabel is the action the next "start"/"stop" command performs.
func buttonLabel(active bool) string {
	if active {
		return "TERMINATE LINK"
	}
	return "INITIALIZE CONNECTION"
}

func (c *console) setMeter(bars int) {
	c.mu.Lock()
	c.bars = bars
	c.mu.Unlock()
}

func (c *console) banner() {
	c.printf("ECHO INTELLIGENCE\n%s\ncommands: start, stop, status, quit\n", stateLabel(live.Idle))
}

func (c *console) state(ch live.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakMeter()
	fmt.Fprintf(c.w, "[%s] %s\n", buttonLabel(ch.To != live.Idle), stateLabel(ch.To))
	if ch.Message != "" {
		fmt.Fprintf(c.w, "  ! %s\n", ch.Message)
	}
}

func (c *console) status(st live.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakMeter()
	fmt.Fprintf(c.w, "%s (microphone granted: %t, playback %s)\n",
		stateLabel(st.State), st.PermissionGranted, time.Duration(st.PlaybackCursorMS)*time.Millisecond)
	if st.Message != "" {
		fmt.Fprintf(c.w, "  ! %s\n", st.Message)
	}
}

// levels redraws the meter in place. A nil slice clears it.
func (c *console) levels(levels []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bars <= 0 {
		return
	}
	if levels == nil {
		c.breakMeter()
		return
	}
	now := time.Now()
	if now.Sub(c.lastMeter) < meterEvery {
		return
	}
	c.lastMeter = now
	fmt.Fprintf(c.w, "\r%s", audio.Meter(levels, audio.DefaultEnvelope.Height))
	c.meterLine = true
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakMeter()
	fmt.Fprintf(c.w, format, args...)
}

// breakMeter ends a pending meter line. Caller holds c.mu.
func (c *console) breakMeter() {
	if c.meterLine {
		fmt.Fprintln(c.w)
		c.meterLine = false
	}
}
