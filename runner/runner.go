package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mbox-processor/config"
	"github.com/dhcgn/mbox-processor/detect"
	"github.com/dhcgn/mbox-processor/extract"
	"github.com/dhcgn/mbox-processor/filter"
	"github.com/dhcgn/mbox-processor/mbox"
	"github.com/dhcgn/mbox-processor/model"
	"github.com/dhcgn/mbox-processor/progress"
	"github.com/dhcgn/mbox-processor/rewrite"
	"github.com/dhcgn/mbox-processor/state"
	"github.com/dhcgn/mbox-processor/stats"
	"github.com/dhcgn/mbox-processor/walker"
)

// Result aggregates everything a finished run reports.
type Result struct {
	Summary     stats.Summary
	PostProcess *detect.Summary
	Duration    time.Duration
}

// Runner drives the single sequential pass over the input mailbox. Messages
// are strictly processed one at a time in file order; the only goroutines are
// the stats subscribers, each draining its own event channel.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	filter       *filter.Filter
	tracker      *state.PathTracker
	materializer *extract.Materializer
	reporter     *stats.Reporter

	subsMu        sync.Mutex
	subs          []chan stats.Event
	statsWG       sync.WaitGroup
	closeSubsOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tracker := state.NewPathTracker()

	r := &Runner{
		cfg:          cfg,
		logger:       logger,
		filter:       f,
		tracker:      tracker,
		materializer: extract.New(cfg, tracker, logger),
		ctx:          ctx,
		cancel:       cancel,
	}

	r.reporter = stats.NewReporter(r, logger)
	return r, nil
}

// SubscribeStats starts a goroutine consuming run events. Every subscriber
// gets its own channel, so each event reaches all of them instead of whichever
// goroutine happens to receive first.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			if r.logger != nil {
				r.logger.Error("stats subscriber failed", "name", name, "err", err)
			}
		}
	}()
}

// EmitEvent publishes a run event to all subscribers.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// Run executes the full pass. The returned error is non-nil only for fatal
// conditions (input unreadable, output mailbox unwritable); per-message and
// per-attachment failures are counted in the summary instead.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	started := time.Now()

	total, err := mbox.CountMessages(r.cfg.MboxPath)
	if err != nil {
		r.shutdown()
		return Result{}, fmt.Errorf("count messages: %w", err)
	}
	if r.cfg.MaxMessages > 0 && r.cfg.MaxMessages < total {
		total = r.cfg.MaxMessages
	}

	if err := os.MkdirAll(r.cfg.AttachmentsDir(), 0o755); err != nil {
		r.shutdown()
		return Result{}, fmt.Errorf("create attachments directory: %w", err)
	}

	writer, err := mbox.NewWriter(r.cfg.OutputMbox)
	if err != nil {
		r.shutdown()
		return Result{}, err
	}

	bar := progress.New(total, r.cfg.LogLevel)
	if bar.Enabled() {
		r.SubscribeStats("progress-bar", bar.Subscriber)
	}

	r.logger.Info("processing mailbox",
		"mbox", r.cfg.MboxPath, "messages", total, "output", r.cfg.OutputMbox,
		"attachments", r.cfg.AttachmentsDir(), "postProcess", r.cfg.PostProcess)

	runErr := r.pass(ctx, writer)

	if closeErr := writer.Close(runErr == nil); closeErr != nil && runErr == nil {
		runErr = closeErr
	}

	var postSummary *detect.Summary
	if runErr == nil && r.cfg.PostProcess {
		summary, err := detect.New(r.cfg, r.tracker, r.logger).Run()
		if err != nil {
			// Extraction already succeeded; a failed detection pass is
			// reported but does not invalidate the run.
			r.logger.Error("post-processing failed", "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageDetect, Type: stats.EventTypeError, Err: err})
		}
		postSummary = &summary
		r.logger.Info("post-processing done",
			"scanned", summary.Scanned, "relocated", summary.Relocated,
			"unknown", summary.Unknown, "tempRemoved", summary.TempRemoved)
	}

	bar.Stop()
	r.shutdown()

	result := Result{
		Summary:     r.reporter.Summary(),
		PostProcess: postSummary,
		Duration:    time.Since(started),
	}

	if runErr != nil {
		r.logger.Error("run failed", "duration", result.Duration, "err", runErr)
		return result, runErr
	}
	r.logger.Info("run completed", "duration", result.Duration)
	return result, nil
}

// pass iterates the input mailbox once. Errors returned from here are fatal;
// everything recoverable is turned into events and a nil return.
func (r *Runner) pass(ctx context.Context, writer *mbox.Writer) error {
	scanned := 0

	return mbox.Read(r.cfg.MboxPath, func(env model.Envelope) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.cfg.MaxMessages > 0 && scanned >= r.cfg.MaxMessages {
			return mbox.ErrStop
		}
		scanned++
		r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeScanned, MessageIndex: env.Index})

		if env.Err != nil {
			r.messageFailed(env.Index, env.Err)
			return nil
		}

		header, body := mbox.SplitRawMessage(env.Raw)
		if r.filter.Active() && !r.filter.Allows(header, body) {
			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFiltered, MessageIndex: env.Index})
			return nil
		}

		msg, err := mbox.ParseEnvelopeHeaders(env)
		if err != nil {
			r.messageFailed(env.Index, err)
			return nil
		}

		return r.processMessage(msg, writer)
	})
}

// processMessage walks one message's MIME tree, materializes its attachments
// and appends the rewritten message to the output mailbox. Only an output
// write failure is returned; everything else degrades to counted events.
func (r *Runner) processMessage(msg model.Message, writer *mbox.Writer) error {
	var segments []rewrite.Segment

	err := walker.Walk(msg.Raw, func(p model.Part) error {
		if !extract.IsAttachment(p) {
			segments = append(segments, rewrite.Segment{Part: p})
			return nil
		}

		record := r.materializer.Materialize(p, msg)
		if record.OK() {
			r.EmitEvent(stats.Event{
				Stage:        stats.StageExtract,
				Type:         stats.EventTypeAttachmentSaved,
				MessageIndex: msg.Index,
				Sender:       msg.Sender,
				Extension:    strings.TrimPrefix(filepath.Ext(record.Dest), "."),
				Size:         record.Size,
			})
		} else {
			r.EmitEvent(stats.Event{
				Stage:        stats.StageExtract,
				Type:         stats.EventTypeAttachmentFailed,
				MessageIndex: msg.Index,
				Err:          fmt.Errorf("message %d part %v: %w", msg.Index, p.Path, record.Err),
			})
		}
		segments = append(segments, rewrite.Segment{Part: p, Record: &record})
		return nil
	})
	if err != nil {
		r.messageFailed(msg.Index, fmt.Errorf("walk mime tree: %w", err))
		return nil
	}

	out := rewrite.Rewrite(msg, segments)
	if err := writer.Append(msg.Sender, msg.Date, out); err != nil {
		// Output mailbox is unwritable; this is the fatal category.
		return err
	}

	r.EmitEvent(stats.Event{
		Stage:        stats.StageRewrite,
		Type:         stats.EventTypeProcessed,
		MessageIndex: msg.Index,
		Sender:       msg.Sender,
	})
	return nil
}

func (r *Runner) messageFailed(index int, err error) {
	if r.logger != nil {
		r.logger.Warn("skipping message", "index", index, "err", err)
	}
	r.EmitEvent(stats.Event{
		Stage:        stats.StageMbox,
		Type:         stats.EventTypeMessageFailed,
		MessageIndex: index,
		Err:          fmt.Errorf("message %d: %w", index, err),
	})
}

func (r *Runner) shutdown() {
	r.closeSubsOnce.Do(func() {
		r.subsMu.Lock()
		for _, ch := range r.subs {
			close(ch)
		}
		r.subsMu.Unlock()
	})
	r.statsWG.Wait()
	r.cancel()
}
