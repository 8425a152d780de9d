// Package output renders records, statistics and status lines for the CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/NeverVane/omniscient/internal/config"
	"github.com/NeverVane/omniscient/internal/storage"
)

const timeFormat = "2006-01-02 15:04:05"

// Layout selects the per-record detail line
type Layout int

const (
	// LayoutRecent shows category, duration and usage
	LayoutRecent Layout = iota
	// LayoutSearch adds the working directory
	LayoutSearch
	// LayoutHere leads with the working directory
	LayoutHere
	// LayoutTop numbers records by rank and shows when they were last used
	LayoutTop
	// LayoutCategory shows last use instead of first observation
	LayoutCategory
)

type styles struct {
	header  lipgloss.Style
	command lipgloss.Style
	meta    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	index   lipgloss.Style
}

// Printer writes styled output to a single writer
type Printer struct {
	w      io.Writer
	colors bool
	styles styles
	now    func() time.Time
}

// New creates a printer for w. Colors are used when enabled in cfg, NO_COLOR
// is unset and, with auto_detect_tty, w is a terminal.
func New(w io.Writer, cfg config.OutputConfig) *Printer {
	colors := cfg.ColorsEnabled && os.Getenv("NO_COLOR") == ""
	if colors && cfg.AutoDetectTTY {
		colors = IsTerminal(w)
	}

	r := lipgloss.NewRenderer(w)
	if colors {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:      w,
		colors: colors,
		styles: styles{
			header:  r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
			command: r.NewStyle().Foreground(lipgloss.Color("15")).Bold(true),
			meta:    r.NewStyle().Foreground(lipgloss.Color("8")),
			success: r.NewStyle().Foreground(lipgloss.Color("10")),
			failure: r.NewStyle().Foreground(lipgloss.Color("9")),
			warning: r.NewStyle().Foreground(lipgloss.Color("11")),
			info:    r.NewStyle().Foreground(lipgloss.Color("12")),
			index:   r.NewStyle().Foreground(lipgloss.Color("6")),
		},
		now: time.Now,
	}
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// ColorsEnabled reports whether output is styled
func (p *Printer) ColorsEnabled() bool {
	return p.colors
}

func (p *Printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format, args...)
}

// Success prints an [OK] line
func (p *Printer) Success(format string, args ...interface{}) {
	p.status(p.styles.success, "[OK]", format, args...)
}

// Error prints a [FAIL] line
func (p *Printer) Error(format string, args ...interface{}) {
	p.status(p.styles.failure, "[FAIL]", format, args...)
}

// Warning prints a [WARN] line
func (p *Printer) Warning(format string, args ...interface{}) {
	p.status(p.styles.warning, "[WARN]", format, args...)
}

// Info prints an [INFO] line
func (p *Printer) Info(format string, args ...interface{}) {
	p.status(p.styles.info, "[INFO]", format, args...)
}

func (p *Printer) status(style lipgloss.Style, indicator, format string, args ...interface{}) {
	p.printf("%s %s\n", style.Render(indicator), fmt.Sprintf(format, args...))
}

// Println prints a plain line
func (p *Printer) Println(format string, args ...interface{}) {
	p.printf(format+"\n", args...)
}

// Header prints a bold heading followed by a blank line
func (p *Printer) Header(format string, args ...interface{}) {
	p.printf("\n%s\n\n", p.styles.header.Render(fmt.Sprintf(format, args...)))
}

// Records prints records using layout
func (p *Printer) Records(records []storage.CommandRecord, layout Layout) {
	for i := range records {
		p.record(i, &records[i], layout)
		p.printf("\n")
	}
}

func (p *Printer) record(i int, r *storage.CommandRecord, layout Layout) {
	symbol := p.styles.success.Render(r.StatusSymbol())
	if !r.IsSuccess() {
		symbol = p.styles.failure.Render(r.StatusSymbol())
	}
	command := p.styles.command.Render(r.Command)

	switch layout {
	case LayoutTop:
		p.printf("%s %s %s\n",
			p.styles.index.Render(fmt.Sprintf("%d.", i+1)),
			command,
			p.styles.meta.Render(fmt.Sprintf("(used %s times)", humanize.Comma(r.UsageCount))))
		p.printf("   %s\n", p.meta(
			"Category: "+r.Category,
			"Last used: "+p.when(r.LastUsed),
			"Avg duration: "+r.DurationDisplay(),
		))
	case LayoutCategory:
		p.printf("[%s] %s %s\n", r.LastUsed.Local().Format(timeFormat), symbol, command)
		p.printf("  %s\n", p.meta(
			fmt.Sprintf("Used %s times", humanize.Comma(r.UsageCount)),
			"Duration: "+r.DurationDisplay(),
			"Dir: "+r.WorkingDir,
		))
	case LayoutHere:
		p.printf("[%s] %s %s\n", r.Timestamp.Local().Format(timeFormat), symbol, command)
		p.printf("  %s\n", p.meta(
			"Dir: "+r.WorkingDir,
			"Category: "+r.Category,
			"Duration: "+r.DurationDisplay(),
			fmt.Sprintf("Usage: %s times", humanize.Comma(r.UsageCount)),
		))
	case LayoutSearch:
		p.printf("[%s] %s %s\n", r.Timestamp.Local().Format(timeFormat), symbol, command)
		p.printf("  %s\n", p.meta(
			"Category: "+r.Category,
			"Duration: "+r.DurationDisplay(),
			fmt.Sprintf("Usage: %s times", humanize.Comma(r.UsageCount)),
			"Dir: "+r.WorkingDir,
		))
	default:
		p.printf("[%s] %s %s\n", r.Timestamp.Local().Format(timeFormat), symbol, command)
		p.printf("  %s\n", p.meta(
			"Category: "+r.Category,
			"Duration: "+r.DurationDisplay(),
			fmt.Sprintf("Usage: %s times", humanize.Comma(r.UsageCount)),
		))
	}
}

func (p *Printer) meta(parts ...string) string {
	return p.styles.meta.Render(strings.Join(parts, " | "))
}

// when renders t as an absolute local time plus a relative hint
func (p *Printer) when(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Local().Format(timeFormat), humanize.RelTime(t, p.now(), "ago", "from now"))
}

// Stats prints the statistics report. maxHistorySize <= 0 disables the
// size warning.
func (p *Printer) Stats(stats *storage.Stats, maxHistorySize int64) {
	p.Header("=== Omniscient Command History Statistics ===")

	p.printf("Total Commands: %s\n", humanize.Comma(stats.TotalCommands))
	p.printf("Successful: %s (%.1f%%)\n",
		p.styles.success.Render(humanize.Comma(stats.SuccessfulCommands)), stats.SuccessRate())
	failedRate := 0.0
	if stats.TotalCommands > 0 {
		failedRate = 100.0 - stats.SuccessRate()
	}
	p.printf("Failed: %s (%.1f%%)\n",
		p.styles.failure.Render(humanize.Comma(stats.FailedCommands)), failedRate)

	if stats.OldestCommand != nil && stats.NewestCommand != nil {
		oldest, newest := *stats.OldestCommand, *stats.NewestCommand
		p.printf("\n%s\n", p.styles.header.Render("Time Range:"))
		p.printf("  First command: %s\n", oldest.Local().Format(timeFormat))
		p.printf("  Last command:  %s\n", newest.Local().Format(timeFormat))

		days := int64(newest.Sub(oldest).Hours() / 24)
		if days > 0 {
			p.printf("  Tracking for:  %s days\n", humanize.Comma(days))
			p.printf("  Avg per day:   %.1f commands\n", float64(stats.TotalCommands)/float64(days))
		}
	}

	if len(stats.ByCategory) > 0 {
		p.printf("\n%s\n", p.styles.header.Render("Commands by Category:"))
		for _, c := range stats.ByCategory {
			pct := float64(c.Count) / float64(stats.TotalCommands) * 100.0
			p.printf("  %-12s %5d (%.1f%%)\n", c.Category, c.Count, pct)
		}
	}

	if maxHistorySize > 0 && stats.TotalCommands > maxHistorySize {
		p.printf("\n")
		p.Warning("History holds %s commands, above max_history_size (%s)",
			humanize.Comma(stats.TotalCommands), humanize.Comma(maxHistorySize))
	}
	p.printf("\n")
}

// StorageInfo describes where and how the history is stored
type StorageInfo struct {
	Path          string
	SizeBytes     int64
	SchemaVersion int
	MigratedAt    time.Time
	TextSearch    string
	// IndexedDocs is set when a bleve index backs text search
	IndexedDocs *uint64
	IndexPath   string
}

// Storage prints the storage section of the stats report
func (p *Printer) Storage(info StorageInfo) {
	p.printf("%s\n", p.styles.header.Render("Storage:"))
	p.printf("  Database:     %s (%s)\n", info.Path, humanize.Bytes(uint64(info.SizeBytes)))
	if info.SchemaVersion > 0 {
		p.printf("  Schema:       v%d (since %s)\n", info.SchemaVersion, info.MigratedAt.Local().Format(timeFormat))
	}
	p.printf("  Text search:  %s\n", info.TextSearch)
	if info.IndexedDocs != nil {
		p.printf("  Index:        %s (%s documents)\n", info.IndexPath, humanize.Comma(int64(*info.IndexedDocs)))
	}
	p.printf("\n")
}
