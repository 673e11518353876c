package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-processor/model"
)

// ErrStop can be returned from a Read callback to end iteration early without
// reporting an error.
var ErrStop = errors.New("mbox: stop iteration")

var (
	mbox_test_data_using = false
	mbox_test_data       []byte
)

func open(path string) (*mboxlib.Reader, func() error, error) {
	if mbox_test_data_using {
		return mboxlib.NewReader(bytes.NewReader(mbox_test_data)), func() error { return nil }, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mbox: %w", err)
	}
	return mboxlib.NewReader(file), file.Close, nil
}

// Read opens an mbox file and iterates through its messages in file order,
// calling the provided callback for each one. A message that cannot be read is
// delivered as an Envelope carrying the error; only a broken mbox framing or a
// callback error ends the iteration.
func Read(path string, callback func(env model.Envelope) error) error {
	reader, closeFn, err := open(path)
	if err != nil {
		return err
	}
	defer closeFn()

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Framing is lost at this point, no way to resync.
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		env := model.Envelope{Index: idx, Raw: raw}
		if err != nil {
			env.Err = fmt.Errorf("message %d read: %w", idx, err)
			env.Raw = nil
		}

		if err := callback(env); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	reader, closeFn, err := open(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}

		// Just consume the message without parsing.
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			count++
			continue
		}
		count++
	}
}

// SplitRawMessage splits raw message bytes into the verbatim header block and
// the body at the first blank line.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

// ParseEnvelopeHeaders extracts sender and date from a raw message. The
// returned Message carries a zero Date when the Date header is missing or
// unparseable and an empty Sender when no address can be recovered; neither is
// an error. The error is non-nil only when the header block itself cannot be
// parsed at all.
func ParseEnvelopeHeaders(env model.Envelope) (model.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(env.Raw))
	if err != nil {
		return model.Message{}, fmt.Errorf("parse headers: %w", err)
	}

	header, _ := SplitRawMessage(env.Raw)

	out := model.Message{
		Index:     env.Index,
		Raw:       env.Raw,
		RawHeader: header,
	}

	if from := msg.Header.Get("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			out.Sender = addr.Address
		} else {
			// Keep the malformed value; the sender key derivation copes.
			out.Sender = from
		}
	}

	if date := msg.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			out.Date = t
		}
	}

	return out, nil
}
