// Package detect runs the optional post-processing pass: attachments that were
// parked without an extension get their type sniffed from byte content and are
// relocated into the regular attachment tree.
package detect

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/mbox-processor/config"
	"github.com/dhcgn/mbox-processor/state"
)

// mimetype reads only the first 3072 bytes by default, which is occasionally
// not enough to identify a container format. Retry with the limit lifted
// before giving up on a file.
const sniffLimit = 3072

// Summary reports the outcome of a post-processing run.
type Summary struct {
	Scanned   int
	Relocated int
	Unknown   int
	// TempRemoved is true when the emptied temp tree was deleted.
	TempRemoved bool
}

// Processor relocates extensionless files from the temp tree into the
// attachment tree once their type is known.
type Processor struct {
	tempRoot        string
	attachmentsRoot string
	keepTemp        bool
	tracker         *state.PathTracker
	logger          *slog.Logger
}

func New(cfg config.Config, tracker *state.PathTracker, logger *slog.Logger) *Processor {
	return &Processor{
		tempRoot:        cfg.TempDir(),
		attachmentsRoot: cfg.AttachmentsDir(),
		keepTemp:        cfg.KeepTemp,
		tracker:         tracker,
		logger:          logger,
	}
}

// Run processes every file under the temp tree. Files whose type cannot be
// established confidently stay in place; that is advisory, not an error.
func (p *Processor) Run() (Summary, error) {
	var summary Summary

	if _, err := os.Stat(p.tempRoot); os.IsNotExist(err) {
		return summary, nil
	}

	err := filepath.WalkDir(p.tempRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		summary.Scanned++
		ext, detectErr := sniffExtension(path)
		if detectErr != nil || ext == "" {
			summary.Unknown++
			if p.logger != nil {
				p.logger.Debug("no confident type for file, leaving in temp", "path", path, "err", detectErr)
			}
			return nil
		}

		if err := p.relocate(path, ext); err != nil {
			return err
		}
		summary.Relocated++
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("post-process temp tree: %w", err)
	}

	if summary.Scanned == summary.Relocated && !p.keepTemp {
		if err := os.RemoveAll(p.tempRoot); err != nil {
			return summary, fmt.Errorf("remove temp tree: %w", err)
		}
		summary.TempRemoved = true
	}

	return summary, nil
}

// relocate moves a sniffed file into {attachmentsRoot}/{senderKey}, keeping
// the base name and appending the detected extension. The base name already
// carries the run-unique suffix drawn at extraction time, so collisions go
// straight to the incrementing counter without new random draws.
func (p *Processor) relocate(path, ext string) error {
	rel, err := filepath.Rel(p.tempRoot, path)
	if err != nil {
		return err
	}
	senderKey := filepath.Dir(rel)
	if senderKey == "." {
		senderKey = config.UnknownSenderKey
	}

	destDir := filepath.Join(p.attachmentsRoot, senderKey)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	base := filepath.Base(path)
	dest := filepath.Join(destDir, base+"."+ext)
	for counter := 1; !p.claim(dest); counter++ {
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%d.%s", base, counter, ext))
	}

	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move %s: %w", base, err)
	}

	if p.logger != nil {
		p.logger.Debug("relocated attachment", "from", path, "to", dest)
	}
	return nil
}

func (p *Processor) claim(dest string) bool {
	if !p.tracker.Reserve(dest) {
		return false
	}
	if _, err := os.Stat(dest); err == nil {
		return false
	}
	return true
}

// sniffExtension returns the detected extension without the leading dot, or ""
// when detection is inconclusive.
func sniffExtension(path string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}

	ext := mtype.Extension()
	if ext == "" {
		mimetype.SetLimit(0)
		mtype, err = mimetype.DetectFile(path)
		mimetype.SetLimit(sniffLimit)
		if err != nil {
			return "", err
		}
		ext = mtype.Extension()
	}

	if ext == "" || mtype.Is("application/octet-stream") {
		return "", nil
	}
	return ext[1:], nil
}
