package model

import "time"

// Message represents a single email message read from an mbox archive.
type Message struct {
	// Index is the zero-based position of the message in the input mailbox.
	Index int
	// Raw holds the full undecoded message bytes as read from the archive.
	Raw []byte
	// RawHeader is the verbatim header block (everything before the first
	// blank line), preserved byte-for-byte for the rewritten mailbox.
	RawHeader []byte
	// Sender is the address extracted from the From header; may be malformed
	// or empty.
	Sender string
	// Date is the parsed Date header. The zero value means the date could not
	// be parsed and the message falls into the unknown-date bucket.
	Date time.Time
}

// Disposition describes how a MIME part asked to be presented.
type Disposition string

const (
	DispositionNone       Disposition = ""
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

// Part is one leaf of a message's MIME tree.
type Part struct {
	// Path locates the part in the tree, e.g. [1 0] = second child's first child.
	Path []int
	// ContentType is the normalized media type, e.g. "application/pdf".
	ContentType string
	// Params holds the Content-Type parameters (charset, name, ...).
	Params      map[string]string
	Disposition Disposition
	// Filename is the decoded filename hint, empty when absent.
	Filename string
	// Body is the transfer-decoded payload.
	Body []byte
	// DecodeErr is set when the body could not be decoded; Body then holds
	// whatever raw bytes were recoverable.
	DecodeErr error
}

// IsText reports whether the part is a plain or HTML text body.
func (p Part) IsText() bool {
	return p.ContentType == "text/plain" || p.ContentType == "text/html"
}

// ExtractionRecord captures the outcome of materializing one attachment.
type ExtractionRecord struct {
	MessageIndex int
	PartPath     []int
	Filename     string
	ContentType  string
	Size         int64
	// Dest is the absolute path the attachment was written to.
	Dest string
	// RelDest is the path relative to the output directory, used in notices.
	RelDest string
	// Extensionless marks files parked in the temp tree for post-processing.
	Extensionless bool
	Err           error
}

// OK reports whether the attachment was written successfully.
func (r ExtractionRecord) OK() bool {
	return r.Err == nil
}

// Envelope wraps a raw message alongside an error encountered while reading it.
type Envelope struct {
	Index int
	Raw   []byte
	Err   error
}
