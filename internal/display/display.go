// Package display provides terminal formatting for sentinel output.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	mailsync "github.com/Martian-dev/inbox-sentinel/internal/sync"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

// StateMark returns a colored mark for a finished pass.
func StateMark(r mailsync.IntegrationResult) string {
	switch {
	case r.Error != "":
		return ErrStyle.Render("✗")
	case r.TimedOut || r.Errors > 0:
		return Warn.Render("!")
	default:
		return Success.Render("✓")
	}
}

// Truncate shortens a string to maxLen, adding ellipsis if needed.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+msg)
}

// Summary writes a run summary in human form.
func Summary(w io.Writer, s *mailsync.RunSummary) {
	fmt.Fprintln(w, Bold.Render("Sync run "+s.RunID))

	dur := (time.Duration(s.Duration) * time.Millisecond).Round(time.Millisecond)
	line := fmt.Sprintf("%d/%d integrations synced · %d processed · %d skipped · %d threats · %s",
		s.Synced, s.Total, s.TotalEmailsProcessed, s.TotalEmailsSkipped, s.TotalThreatsFound, dur)
	fmt.Fprintln(w, Muted.Render(line))
	if s.Excluded > 0 {
		fmt.Fprintln(w, Dim.Render(fmt.Sprintf("%d integrations not attempted", s.Excluded)))
	}
	if len(s.Running) > 0 {
		fmt.Fprintln(w, Dim.Render("still running: "+strings.Join(s.Running, ", ")))
	}
	if s.TimedOut {
		fmt.Fprintln(w, Warn.Render("run budget exhausted before all work finished"))
	}

	if len(s.Integrations) > 0 {
		fmt.Fprintln(w)
	}
	for _, r := range s.Integrations {
		fmt.Fprintf(w, "  %s %-10s %s  %s\n",
			StateMark(r),
			r.Provider,
			Truncate(r.IntegrationID, 36),
			Dim.Render(fmt.Sprintf("%d new · %d skipped · %d threats · %d errors", r.EmailsProcessed, r.EmailsSkipped, r.ThreatsFound, r.Errors)),
		)
		if r.Error != "" {
			fmt.Fprintf(w, "      %s\n", ErrStyle.Render(Truncate(r.Error, 100)))
		}
	}

	if len(s.ErrorHistogram) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, Muted.Render("Errors"))
	for _, cat := range []mailsync.Category{
		mailsync.CategoryRateLimit,
		mailsync.CategoryAuthentication,
		mailsync.CategoryNetwork,
		mailsync.CategoryTimeout,
		mailsync.CategoryUnknown,
	} {
		n := s.ErrorHistogram[cat]
		if n == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-15s %d\n", cat, n)
		for _, msg := range s.ErrorSamples[cat] {
			fmt.Fprintf(w, "    %s\n", Dim.Render(Truncate(strings.TrimSpace(msg), 100)))
		}
	}
}
