package progress

import (
	"sync"
	"unicode/utf8"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-mood/stats"
)

// Bar shows per-message progress on the terminal.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	alerts  int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. It stays silent unless enabled and the total
// is known.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}
	if !bar.enabled {
		return bar
	}

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Annotating messages").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	pterm.Info.Printf("Total messages in mailbox: %d\n", total)
	return bar
}

// Observe advances the bar. It implements stats.Observer.
func (b *Bar) Observe(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.pb.Current < b.total {
			b.pb.Increment()
		}
		if evt.Subject != "" {
			b.pb.UpdateTitle("Annotating: " + truncate(evt.Subject, 40))
		}
	case stats.EventTypeRecorded:
		if evt.Alert {
			b.alerts++
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the bar and prints the summary.
func (b *Bar) Stop(summary stats.Summary) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Analyzed: %d (cached: %d)\n", summary.Analyzed, summary.Cached)
	pterm.Info.Printf("Records: %d\n", summary.Recorded)
	pterm.Warning.Printf("Regrettable: %d\n", b.alerts)
	if summary.Errors > 0 {
		pterm.Error.Printf("Errors: %d (last: %v)\n", summary.Errors, summary.LastError)
	}
}

// truncate shortens s to at most max runes, ending in "..." when cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
