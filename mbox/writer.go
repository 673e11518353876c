package mbox

import (
	"fmt"
	"os"
	"time"

	mboxlib "github.com/emersion/go-mbox"
)

// Writer appends rewritten messages to the output mailbox. Messages are
// written to a partial file next to the final path; only a committed Close
// moves the mailbox into place, so a failed run never leaves a half-written
// file at the configured destination.
type Writer struct {
	path    string
	partial string
	file    *os.File
	mw      *mboxlib.Writer
	count   int
}

// NewWriter creates the partial output file for the mailbox at path.
func NewWriter(path string) (*Writer, error) {
	partial := path + ".partial"
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output mbox: %w", err)
	}

	return &Writer{
		path:    path,
		partial: partial,
		file:    file,
		mw:      mboxlib.NewWriter(file),
	}, nil
}

// Append writes one message to the mailbox. The from address and date feed the
// mbox separator line; raw is the complete message (headers and body).
func (w *Writer) Append(from string, date time.Time, raw []byte) error {
	if from == "" {
		from = "MAILER-DAEMON"
	}
	if date.IsZero() {
		date = time.Now()
	}

	mw, err := w.mw.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}

	w.count++
	return nil
}

// Count returns the number of messages appended so far.
func (w *Writer) Count() int {
	return w.count
}

// Close finalizes the mailbox. With commit true the partial file is renamed to
// the final path; otherwise it is removed.
func (w *Writer) Close(commit bool) error {
	if err := w.mw.Close(); err != nil {
		w.file.Close()
		os.Remove(w.partial)
		return fmt.Errorf("finalize mbox: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.partial)
		return fmt.Errorf("close output mbox: %w", err)
	}

	if !commit {
		if err := os.Remove(w.partial); err != nil {
			return fmt.Errorf("remove partial mbox: %w", err)
		}
		return nil
	}

	if err := os.Rename(w.partial, w.path); err != nil {
		return fmt.Errorf("move output mbox into place: %w", err)
	}
	return nil
}
