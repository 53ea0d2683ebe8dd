package retrodfrg

import (
	"fmt"
	"time"
)

// Progress is the data behind the status block.
type Progress struct {
	Step      int
	Steps     int
	Bytes     int64
	Erases    int
	Started   time.Time
	CurrentOp string
}

// StatusLines formats p for SetStatusLines. now is passed in so output is
// reproducible.
func StatusLines(p Progress, now time.Time) []string {
	elapsed := now.Sub(p.Started).Truncate(time.Second)
	var rate float64
	if s := now.Sub(p.Started).Seconds(); s > 0 {
		rate = float64(p.Bytes) / s
	}
	return []string{
		fmt.Sprintf("Step: %d / %d", p.Step, p.Steps),
		fmt.Sprintf("Programmed: %s   Erases: %d", Human(p.Bytes), p.Erases),
		fmt.Sprintf("Elapsed: %s   Rate: %s/s", elapsed, Human(int64(rate))),
		"Current op: " + p.CurrentOp,
	}
}

// Human prints a byte count in whole B, K or M.
func Human(b int64) string {
	if b >= 1024*1024 {
		return fmt.Sprintf("%dM", b/(1024*1024))
	}
	if b >= 1024 {
		return fmt.Sprintf("%dK", b/1024)
	}
	return fmt.Sprintf("%dB", b)
}

// WaitWithStop waits for d, returning early with ErrInterrupted when a stop
// is requested.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
