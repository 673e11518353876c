package progress

import (
	"context"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-processor/stats"
)

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info". At debug level the
// log stream itself shows progress and a bar would only mangle it.
func New(total int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Processing messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages to process: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders at all.
func (b *Bar) Enabled() bool {
	return b.enabled
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if evt.Sender != "" {
			b.pb.UpdateTitle("Processing: " + truncateTitle(evt.Sender, 40))
		}
	case stats.EventTypeMessageFailed, stats.EventTypeAttachmentFailed, stats.EventTypeError:
		// Show failures above the progress bar; counts land in the summary.
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	b.pb.Stop()
}

// truncateTitle shortens s to at most max runes. Sender addresses can carry
// multi-byte characters, so the cut must never land inside a rune.
func truncateTitle(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// PrintSummary renders the end-of-run summary.
func PrintSummary(summary stats.Summary, logLevel string) {
	if logLevel != "info" {
		return
	}

	pterm.Println()
	pterm.DefaultSection.Println("Processing Summary")
	pterm.Info.Printf("Scanned:             %d\n", summary.Scanned)
	if summary.Filtered > 0 {
		pterm.Info.Printf("Filtered out:        %d\n", summary.Filtered)
	}
	pterm.Info.Printf("Processed:           %d\n", summary.Processed)
	pterm.Info.Printf("Failed messages:     %d\n", summary.FailedMessages)
	pterm.Info.Printf("Saved attachments:   %d (%d bytes)\n", summary.SavedAttachments, summary.AttachmentBytes)
	pterm.Info.Printf("Failed attachments:  %d\n", summary.FailedAttachments)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
