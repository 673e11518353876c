package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageMbox    Stage = "mbox"
	StageExtract Stage = "extract"
	StageRewrite Stage = "rewrite"
	StageDetect  Stage = "detect"
)

type EventType string

const (
	EventTypeScanned          EventType = "scanned"
	EventTypeFiltered         EventType = "filtered"
	EventTypeProcessed        EventType = "processed"
	EventTypeMessageFailed    EventType = "message_failed"
	EventTypeAttachmentSaved  EventType = "attachment_saved"
	EventTypeAttachmentFailed EventType = "attachment_failed"
	EventTypeError            EventType = "error"
)

type Event struct {
	Stage        Stage
	Type         EventType
	MessageIndex int
	Sender       string
	Extension    string
	Size         int64
	Err          error
	Detail       string
}

// Summary accumulates the per-category counts of a run. Message- and
// part-level failures are counted here and never surface in the process exit
// code.
type Summary struct {
	Scanned           int
	Filtered          int
	Processed         int
	FailedMessages    int
	SavedAttachments  int
	FailedAttachments int
	AttachmentBytes   int64
	ByExtension       map[string]int
	BySender          map[string]int
	LastError         error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"processed", s.Processed,
		"failedMessages", s.FailedMessages,
		"savedAttachments", s.SavedAttachments,
		"failedAttachments", s.FailedAttachments,
		"attachmentBytes", s.AttachmentBytes,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{
		ByExtension: make(map[string]int),
		BySender:    make(map[string]int),
	}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := c.summary
	summary.ByExtension = make(map[string]int, len(c.summary.ByExtension))
	for k, v := range c.summary.ByExtension {
		summary.ByExtension[k] = v
	}
	summary.BySender = make(map[string]int, len(c.summary.BySender))
	for k, v := range c.summary.BySender {
		summary.BySender[k] = v
	}
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeProcessed:
		c.summary.Processed++
		if evt.Sender != "" {
			c.summary.BySender[evt.Sender]++
		}
	case EventTypeMessageFailed:
		c.summary.FailedMessages++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeAttachmentSaved:
		c.summary.SavedAttachments++
		c.summary.AttachmentBytes += evt.Size
		c.summary.ByExtension[evt.Extension]++
	case EventTypeAttachmentFailed:
		c.summary.FailedAttachments++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeError:
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("run summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
