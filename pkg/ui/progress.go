package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const barWidth = 20

// ProgressDisplay renders batch progress on one terminal line. Its Display
// method has the signature of progress.DisplayFunc.
type ProgressDisplay struct {
	mu        sync.Mutex
	label     string
	startTime time.Time
	lastLine  string
	debug     bool
}

// NewProgressDisplay creates a display for one operation. In debug mode every
// update is printed on its own line so it interleaves with log output.
func NewProgressDisplay(label string, debug bool) *ProgressDisplay {
	return &ProgressDisplay{
		label:     label,
		startTime: time.Now(),
		debug:     debug,
	}
}

// Display prints the bar for percentage with the counter summary
func (p *ProgressDisplay) Display(percentage float64, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("%s %s %5.1f%% • %s • %s",
		Cyan(p.label),
		Bar(percentage, barWidth),
		percentage,
		message,
		formatDuration(time.Since(p.startTime)),
	)
	if line == p.lastLine {
		return
	}
	p.lastLine = line

	if p.debug {
		printf(false, "%s\n", line)
		return
	}
	printf(false, "\r%s\r%s", strings.Repeat(" ", 100), line)
}

// Complete ends the progress line and prints the summary
func (p *ProgressDisplay) Complete(summary string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	printf(false, "\n%s %s %s\n", Green("✓"), summary, Dim("in "+formatDuration(time.Since(p.startTime))))
}

// RateLimitWarning reports that the queue is waiting for budget
func (p *ProgressDisplay) RateLimitWarning(wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	printf(true, "\n%s Rate budget exhausted. Waiting %s...\n", Yellow("⚠"), formatDuration(wait))
}

// Bar renders percentage as a fixed-width bar
func Bar(percentage float64, width int) string {
	percentage = max(0, min(percentage, 100))
	filled := int(percentage / 100 * float64(width))
	return "[" + strings.Repeat("━", filled) + strings.Repeat("─", width-filled) + "]"
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
