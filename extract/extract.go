// Package extract materializes attachment parts into the structured
// attachment tree. File placement follows a fixed scheme so a given archive
// always lands in the same layout:
//
//	{output}/attachments/{senderKey}/{date}_{senderKey}_{suffix}.{ext}
//
// Extensionless payloads go to a temp subtree when post-processing is enabled
// and get their extension from content sniffing later.
package extract

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mbox-processor/config"
	"github.com/dhcgn/mbox-processor/model"
	"github.com/dhcgn/mbox-processor/state"
)

// suffixSource draws the 5-digit uniqueness suffix. Tests replace it with a
// deterministic sequence.
var suffixSource = func() int {
	return rand.Intn(90000) + 10000
}

// IsAttachment decides whether a leaf part must be materialized: an explicit
// attachment disposition, an inline part that is not a text body, or any part
// carrying a filename hint. Plain inline text and HTML without a filename stay
// in the message body.
func IsAttachment(p model.Part) bool {
	if p.Disposition == model.DispositionAttachment {
		return true
	}
	if p.Disposition == model.DispositionInline && !p.IsText() {
		return true
	}
	return p.Filename != ""
}

// SenderKey normalizes a sender address into a directory-safe key. Every rune
// outside [A-Za-z0-9] becomes the filler character; an empty or fully
// degenerate address maps to the unknown-sender bucket. The function is total:
// any input string yields a key from the allowed character set.
func SenderKey(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return config.UnknownSenderKey
	}

	var b strings.Builder
	b.Grow(len(addr))
	clean := 0
	for _, r := range addr {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			clean++
		} else {
			b.WriteByte(config.SenderFiller)
		}
	}
	if clean == 0 {
		return config.UnknownSenderKey
	}
	return b.String()
}

// DateKey formats the message date for file names, or the unknown-date bucket
// for messages whose Date header did not parse.
func DateKey(t time.Time) string {
	if t.IsZero() {
		return config.UnknownDateKey
	}
	return t.Format(config.DateLayout)
}

// ExtensionOf returns the extension of a filename hint without the dot, or ""
// when the hint is absent or its suffix does not look like an extension.
func ExtensionOf(filename string) string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" || len(ext) > config.MaxExtensionLen {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if config.LowercaseExtensions {
		ext = strings.ToLower(ext)
	}
	return ext
}

// Materializer writes attachment parts to disk.
type Materializer struct {
	outputDir      string
	attachmentsDir string
	tempDir        string
	postProcess    bool
	tracker        *state.PathTracker
	logger         *slog.Logger
}

func New(cfg config.Config, tracker *state.PathTracker, logger *slog.Logger) *Materializer {
	return &Materializer{
		outputDir:      cfg.OutputDir,
		attachmentsDir: cfg.AttachmentsDir(),
		tempDir:        cfg.TempDir(),
		postProcess:    cfg.PostProcess,
		tracker:        tracker,
		logger:         logger,
	}
}

// Materialize decodes and writes one attachment part. Failures are recorded,
// not raised: the returned record carries the error and processing of the
// remaining parts continues.
func (m *Materializer) Materialize(p model.Part, msg model.Message) model.ExtractionRecord {
	record := model.ExtractionRecord{
		MessageIndex: msg.Index,
		PartPath:     p.Path,
		Filename:     p.Filename,
		ContentType:  p.ContentType,
	}

	if p.DecodeErr != nil {
		record.Err = fmt.Errorf("decode body: %w", p.DecodeErr)
		return record
	}

	senderKey := SenderKey(msg.Sender)
	dateKey := DateKey(msg.Date)
	ext := ExtensionOf(p.Filename)
	record.Extensionless = ext == ""

	dir := filepath.Join(m.attachmentsDir, senderKey)
	if record.Extensionless && m.postProcess {
		dir = filepath.Join(m.tempDir, senderKey)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		record.Err = fmt.Errorf("create attachment directory: %w", err)
		return record
	}

	dest, err := m.claimDestination(dir, dateKey, senderKey, ext)
	if err != nil {
		record.Err = err
		return record
	}

	if err := os.WriteFile(dest, p.Body, 0o644); err != nil {
		record.Err = fmt.Errorf("write attachment: %w", err)
		return record
	}

	record.Dest = dest
	record.Size = int64(len(p.Body))
	if rel, err := filepath.Rel(m.outputDir, dest); err == nil {
		record.RelDest = rel
	} else {
		record.RelDest = dest
	}

	if m.logger != nil {
		m.logger.Debug("saved attachment",
			"message", msg.Index, "filename", p.Filename, "dest", record.RelDest, "size", record.Size)
	}
	return record
}

// claimDestination derives a free destination path: random 5-digit suffixes
// with bounded redraws, then an incrementing counter appended to the last
// candidate. A path counts as free only if it is new to this run and absent
// from disk, so a rerun over the same output tree never overwrites earlier
// results.
func (m *Materializer) claimDestination(dir, dateKey, senderKey, ext string) (string, error) {
	var stem string
	for i := 0; i < config.SuffixRetries; i++ {
		stem = fmt.Sprintf("%s_%s_%d", dateKey, senderKey, suffixSource())
		dest := filepath.Join(dir, withExt(stem, ext))
		if m.claim(dest) {
			return dest, nil
		}
	}

	for counter := 1; ; counter++ {
		dest := filepath.Join(dir, withExt(fmt.Sprintf("%s_%d", stem, counter), ext))
		if m.claim(dest) {
			return dest, nil
		}
	}
}

func (m *Materializer) claim(dest string) bool {
	if !m.tracker.Reserve(dest) {
		return false
	}
	if _, err := os.Stat(dest); err == nil {
		return false
	}
	return true
}

func withExt(stem, ext string) string {
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}
