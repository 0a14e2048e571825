// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/openorbit/internal/adapters"
	"github.com/jonathan/openorbit/internal/batch"
	"github.com/jonathan/openorbit/internal/db"
	"github.com/jonathan/openorbit/internal/session"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// barWidth is the width of the progress bar
	barWidth = 30
)

// Printer handles formatted CLI output
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintResult outputs the summary of a finished batch run.
func (p *Printer) PrintResult(res *batch.Result) {
	if res == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:        %s\n", res.RunID))
	sb.WriteString(fmt.Sprintf("Status:     %s\n", res.Status))
	sb.WriteString(fmt.Sprintf("Total:      %d\n", res.Total))
	sb.WriteString(fmt.Sprintf("Processed:  %d\n", res.ProcessedOK))
	sb.WriteString(fmt.Sprintf("Skipped:    %d\n", res.Skipped))
	sb.WriteString(fmt.Sprintf("Errors:     %d\n", res.Errors))
	if res.FinishedAt != nil {
		sb.WriteString(fmt.Sprintf("Duration:   %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)))
	}

	p.printBox(strings.ToUpper(res.Kind), sb.String())
}

// PrintRuns outputs run history as a table.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintRuns(runs []db.BatchRun) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(runs) == 0 {
		fmt.Fprintln(p.out, "No runs recorded.")
		return
	}
	fmt.Fprintf(p.out, "%-36s  %-24s  %-9s  %5s  %5s  %5s  %5s  %s\n",
		"ID", "KIND", "STATUS", "TOTAL", "OK", "SKIP", "ERR", "STARTED")
	for _, r := range runs {
		fmt.Fprintf(p.out, "%-36s  %-24s  %-9s  %5d  %5d  %5d  %5d  %s\n",
			r.ID, truncate(r.Kind, 24), r.Status, r.Total, r.ProcessedOK, r.Skipped, r.Errors,
			r.StartedAt.Local().Format(time.DateTime))
	}
}

// PrintAdapters outputs discovered adapters.
func (p *Printer) PrintAdapters(list []adapters.AdapterMeta) {
	if len(list) == 0 {
		p.printBox("ADAPTERS", "No adapters found.")
		return
	}

	var sb strings.Builder
	for _, a := range list {
		sb.WriteString(fmt.Sprintf("%s@%s\n", a.Name, a.Version))
		if a.Platform != nil {
			sb.WriteString(fmt.Sprintf("  platform: %s\n", *a.Platform))
		}
		if a.Description != nil {
			sb.WriteString(fmt.Sprintf("  %s\n", *a.Description))
		}
	}
	p.printBox(fmt.Sprintf("ADAPTERS (%d)", len(list)), sb.String())
}

// PrintSession outputs one platform session with its budget usage.
func (p *Printer) PrintSession(s session.SessionState, limits session.Limits) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("State:        %s\n", s.State))
	if s.CurrentAction != nil {
		sb.WriteString(fmt.Sprintf("Action:       %s\n", *s.CurrentAction))
	}
	sb.WriteString(fmt.Sprintf("Extracted:    %d\n", s.Extracted))
	sb.WriteString(fmt.Sprintf("Analyzed:     %d\n", s.Analyzed))
	sb.WriteString(fmt.Sprintf("Submitted:    %d\n", s.Submitted))
	sb.WriteString(fmt.Sprintf("Actions/min:  %s\n", usage(s.Budget.ActionsThisMinute, limits.ActionsPerMinute)))
	sb.WriteString(fmt.Sprintf("Applications: %s\n", usage(s.Budget.ApplicationsThisSession, limits.ApplicationsPerSession)))
	sb.WriteString(fmt.Sprintf("Extractions:  %s\n", usage(s.Budget.ExtractionsThisSession, limits.ExtractionsPerSession)))

	p.printBox("SESSION "+strings.ToUpper(s.Platform), sb.String())
}

// Progress implements batch.ProgressSink with a one-line progress bar.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) Progress(s batch.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := s.Done()
	filled := 0
	if s.Total > 0 {
		filled = done * barWidth / s.Total
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	fmt.Fprintf(p.out, "\r%s %d/%d  ok=%d skip=%d err=%d", bar, done, s.Total, s.ProcessedOK, s.Skipped, s.Errors)
	if done >= s.Total {
		fmt.Fprintln(p.out)
	}
}

// Started implements batch.StartObserver.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) Started(s batch.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "Run %s started for %s (%d items)\n", s.RunID, s.Kind, s.Total)
}

func usage(used, ceiling int) string {
	if ceiling <= 0 {
		return fmt.Sprintf("%d (unlimited)", used)
	}
	return fmt.Sprintf("%d/%d", used, ceiling)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
