package retrodfrg

import (
	"strings"
	"sync"
)

// State is what has happened to a sector during a run.
type State uint8

const (
	Untouched State = iota
	Journal
	Erased
	Equal
	Programmed
)

// Glyph returns the rune a sector in state st is drawn with.
func (st State) Glyph() rune {
	switch st {
	case Journal:
		return '■'
	case Erased:
		return '▒'
	case Equal:
		return '='
	case Programmed:
		return '█'
	}
	return '░'
}

func (st State) String() string {
	switch st {
	case Journal:
		return "journal"
	case Erased:
		return "erased"
	case Equal:
		return "equal"
	case Programmed:
		return "programmed"
	}
	return "untouched"
}

// Legend returns a one-line key for the sector glyphs.
func Legend() string {
	var b strings.Builder
	for i, st := range []State{Programmed, Erased, Equal, Journal, Untouched} {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteRune(st.Glyph())
		b.WriteByte(' ')
		b.WriteString(st.String())
	}
	return b.String()
}

// SectorMap holds one State per sector and renders them as rows of glyphs
// that scroll to follow the most recently marked sector.
type SectorMap struct {
	mu      sync.Mutex
	states  []State
	current int
}

// NewSectorMap returns a map of n untouched sectors.
func NewSectorMap(n int) *SectorMap {
	return &SectorMap{states: make([]State, n)}
}

// Len returns the number of sectors.
func (m *SectorMap) Len() int { return len(m.states) }

// Mark sets the state of sector i. Journal sectors keep their glyph, and a
// sector that was already programmed is not demoted to equal.
func (m *SectorMap) Mark(i int, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.states) {
		return
	}
	switch cur := m.states[i]; {
	case cur == Journal && st != Journal:
		return
	case cur == Programmed && st == Equal:
		return
	}
	m.states[i] = st
	m.current = i
}

// State returns the state of sector i.
func (m *SectorMap) State(i int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.states) {
		return Untouched
	}
	return m.states[i]
}

// Count returns the number of sectors in state st.
func (m *SectorMap) Count(st State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.states {
		if s == st {
			n++
		}
	}
	return n
}

// Lines renders the map into at most rows lines of width glyphs. When the
// map does not fit, the window scrolls so the current sector stays visible.
func (m *SectorMap) Lines(width, rows int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := len(m.states)
	if width <= 0 || rows <= 0 || total == 0 {
		return nil
	}
	cells := width * rows
	start := 0
	if total > cells {
		if m.current >= cells-1 {
			start = m.current - (cells - 1)
		}
		// Scroll by whole rows so columns stay put.
		start = (start + width - 1) / width * width
		start = min(start, (total-cells+width-1)/width*width)
	}
	var lines []string
	for row := 0; row < rows; row++ {
		first := start + row*width
		if first >= total {
			break
		}
		var b strings.Builder
		for i := first; i < min(first+width, total); i++ {
			b.WriteRune(m.states[i].Glyph())
		}
		lines = append(lines, b.String())
	}
	return lines
}
