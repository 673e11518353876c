// Package rewrite builds the output message for the rewritten mailbox:
// original headers byte-for-byte, attachment bodies replaced by short notices
// pointing at the extracted files, HTML bodies converted to readable text.
package rewrite

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"jaytaylor.com/html2text"

	"github.com/dhcgn/mbox-processor/model"
)

// Segment pairs one leaf part with its extraction record. Record is nil for
// parts that stay textual; a non-nil Record with an error marks a failed
// extraction and produces an explicit failure notice.
type Segment struct {
	Part   model.Part
	Record *model.ExtractionRecord
}

// Rewrite composes the replacement message. The header block of the original
// is carried over unchanged, the body is rebuilt from the segments in their
// original part order.
func Rewrite(msg model.Message, segments []Segment) []byte {
	var chunks []string
	for _, seg := range segments {
		if chunk := renderSegment(seg); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	body := strings.Join(chunks, "\n\n")
	if body == "" {
		body = "[No content]"
	}

	sep := "\n\n"
	if bytes.Contains(msg.RawHeader, []byte("\r\n")) {
		sep = "\r\n\r\n"
	}

	out := make([]byte, 0, len(msg.RawHeader)+len(sep)+len(body)+1)
	out = append(out, msg.RawHeader...)
	out = append(out, sep...)
	out = append(out, body...)
	if !strings.HasSuffix(body, "\n") {
		out = append(out, '\n')
	}
	return out
}

func renderSegment(seg Segment) string {
	if seg.Record != nil {
		if seg.Record.OK() {
			return notice(*seg.Record)
		}
		return failureNotice(seg.Part, seg.Record.Err)
	}

	switch seg.Part.ContentType {
	case "text/plain":
		return strings.TrimRight(string(seg.Part.Body), "\n")
	case "text/html":
		return HTMLToText(string(seg.Part.Body))
	default:
		return ""
	}
}

func notice(r model.ExtractionRecord) string {
	name := r.Filename
	if name == "" {
		name = "(no filename)"
	}
	return fmt.Sprintf("[Attachment: %s]\n  Content-Type: %s\n  Size: %d bytes\n  Saved to: %s",
		name, r.ContentType, r.Size, r.RelDest)
}

func failureNotice(p model.Part, err error) string {
	name := p.Filename
	if name == "" {
		name = "(no filename)"
	}
	return fmt.Sprintf("[Attachment extraction failed: %s (%s): %v]", name, p.ContentType, err)
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// HTMLToText converts an HTML body to plain text, stripping markup and
// collapsing redundant whitespace while keeping paragraph breaks. A body the
// converter chokes on falls back to bare tag stripping.
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{TextOnly: false})
	if err != nil {
		text = tagPattern.ReplaceAllString(html, "")
	}
	return strings.TrimSpace(text)
}
