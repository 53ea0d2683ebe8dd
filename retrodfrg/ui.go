// Package retrodfrg draws a full-screen terminal view of a flashing run: a
// title, summary and legend, one glyph per flash sector, a phase line and a
// status block. It knows nothing about the engine; callers feed it sector
// states and text.
package retrodfrg

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/time/rate"
)

// ErrInterrupted is returned when the user requests to stop the operation.
var ErrInterrupted = errors.New("interrupted")

// DefaultRedrawInterval bounds how often Refresh repaints the screen.
const DefaultRedrawInterval = 50 * time.Millisecond

// UI is a terminal view. It is safe for use from several goroutines.
type UI struct {
	mu       sync.Mutex
	s        tcell.Screen
	restore  bool
	stopChan chan struct{}
	once     sync.Once
	limiter  *rate.Limiter

	title        string
	phases       []string
	phaseDoneMap map[string]bool
	summaryLines []string
	legendLines  []string
	statusLines  []string

	sectors *SectorMap
}

// NewUI opens the terminal and starts the key handler. q, Esc and Ctrl-C
// request a stop.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	u, err := NewUIWithScreen(s)
	if err != nil {
		return nil, err
	}
	u.restore = true
	return u, nil
}

// NewUIWithScreen is NewUI on a caller-provided screen, such as a
// tcell.SimulationScreen.
func NewUIWithScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	u := &UI{
		s:            s,
		stopChan:     make(chan struct{}),
		phaseDoneMap: make(map[string]bool),
		limiter:      rate.NewLimiter(rate.Every(DefaultRedrawInterval), 1),
	}
	go u.eventLoop()
	return u, nil
}

// SetRedrawInterval changes how often Refresh may repaint.
func (u *UI) SetRedrawInterval(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.limiter.SetLimit(rate.Every(d))
}

// Close closes the UI and restores the terminal to its original state.
func (u *UI) Close() {
	u.RequestStop()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.s.Fini()
	u.s = nil
	if u.restore {
		fmt.Print("\033[?1049l\033[?25h")
	}
}

// RequestStop signals that the user has requested to stop the current operation.
// It can be called multiple times safely.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
		u.mu.Lock()
		if u.s != nil {
			_ = u.s.PostEvent(tcell.NewEventInterrupt(nil))
		}
		u.mu.Unlock()
	})
}

// Stopped is closed once a stop has been requested.
func (u *UI) Stopped() <-chan struct{} { return u.stopChan }

// IsStopped returns true if the user has requested to stop the operation.
func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Size returns the current screen width and height.
func (u *UI) Size() (width, height int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return 0, 0
	}
	return u.s.Size()
}

func putStr(s tcell.Screen, x, y int, str string) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, tcell.StyleDefault)
	}
}

// Refresh redraws unless a redraw happened within the redraw interval.
// It reports whether the screen was drawn.
func (u *UI) Refresh() bool {
	if !u.limiter.Allow() {
		return false
	}
	u.LayoutAndDraw()
	return true
}

// LayoutAndDraw redraws the entire UI with the current state.
func (u *UI) LayoutAndDraw() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.s == nil {
		return
	}
	u.s.Clear()
	w, h := u.s.Size()

	y := 0
	if u.title != "" {
		putStr(u.s, 0, y, strings.Repeat("═", w))
		putStr(u.s, max((w-len([]rune(u.title)))/2, 0), y, u.title)
		y++
	}
	for _, lines := range [][]string{u.summaryLines, u.legendLines} {
		for _, line := range lines {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line)
			y++
		}
	}

	if u.sectors != nil {
		// Leave room for the phase and status blocks.
		footer := 0
		if len(u.phases) > 0 {
			footer += 2
		}
		if len(u.statusLines) > 0 {
			footer += 1 + len(u.statusLines)
		}
		rows := max(h-y-footer, 1)
		for _, line := range u.sectors.Lines(w, rows) {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line)
			y++
		}
	}

	if len(u.phases) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w))
		putStr(u.s, 2, y, " Phase ")
		y++
		var b strings.Builder
		for i, p := range u.phases {
			if i > 0 {
				b.WriteByte(' ')
			}
			mark := ' '
			if u.phaseDoneMap[strings.ToLower(p)] {
				mark = '✓'
			}
			fmt.Fprintf(&b, "[%c]%s", mark, p)
		}
		putStr(u.s, 0, y, b.String())
		y++
	}

	if len(u.statusLines) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w))
		putStr(u.s, 2, y, " Status ")
		y++
		for _, line := range u.statusLines {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line)
			y++
		}
	}

	u.s.Show()
}

// SetPhaseDone marks the specified phase as completed.
// The phase name is case-insensitive.
func (u *UI) SetPhaseDone(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.phaseDoneMap[strings.ToLower(p)] = true
}

// SetPhases sets the list of phases to display.
func (u *UI) SetPhases(labels []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.phases = append([]string(nil), labels...)
}

// SetTitle sets the title displayed at the top of the UI.
func (u *UI) SetTitle(t string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.title = t
}

// SetSummaryLines sets the lines displayed below the title.
func (u *UI) SetSummaryLines(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.summaryLines = append([]string(nil), lines...)
}

// SetLegend sets the legend lines displayed below the summary.
func (u *UI) SetLegend(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.legendLines = append([]string(nil), lines...)
}

// SetStatusLines sets the status lines displayed at the bottom of the UI.
func (u *UI) SetStatusLines(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statusLines = append([]string(nil), lines...)
}

// SetSectorMap sets the map drawn between the legend and the phases. The
// map is read on every draw; callers update it through its own methods.
func (u *UI) SetSectorMap(m *SectorMap) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sectors = m
}

func (u *UI) eventLoop() {
	for {
		select {
		case <-u.stopChan:
			return
		default:
		}
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case *tcell.EventInterrupt, nil:
			return
		}
	}
}
