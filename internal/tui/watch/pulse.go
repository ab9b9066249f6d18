package watch

import (
	"strings"
	"time"
)

// rotor turns one frame per UI tick. A stalled update loop is visible at a
// glance because the glyph stops moving.
type rotor struct {
	frames []string
	at     int
}

func newRotor() rotor {
	return rotor{frames: []string{"⠋", "⠙", "⠸", "⠴", "⠦", "⠇"}}
}

func (r *rotor) advance() {
	r.at = (r.at + 1) % len(r.frames)
}

func (r rotor) frame() string {
	return r.frames[r.at]
}

const (
	meterDots = 4
	meterFade = 2 * time.Second
)

// meter is a traffic gauge. Any event lights the full bar, and each quiet
// fade interval dims one dot.
type meter struct {
	lit  int
	last time.Time
}

func (g *meter) bump() {
	g.lit = meterDots
	g.last = time.Now()
}

func (g *meter) fade() {
	if g.lit == 0 {
		return
	}
	left := meterDots - int(time.Since(g.last)/meterFade)
	if left < 0 {
		left = 0
	}
	if left < g.lit {
		g.lit = left
	}
}

func (g meter) render(theme Theme) string {
	var b strings.Builder
	for i := 0; i < meterDots; i++ {
		if i < g.lit {
			b.WriteString(theme.MeterOn.Render("●"))
		} else {
			b.WriteString(theme.MeterOff.Render("○"))
		}
	}
	return b.String()
}

func (g meter) lastEvent() time.Time {
	return g.last
}
