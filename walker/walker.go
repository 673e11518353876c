// Package walker enumerates the leaf parts of a message's MIME tree in
// depth-first preorder. It is built to survive the malformed trees found in
// real Takeout archives: missing boundaries, bogus content types and
// pathological nesting degrade to opaque leaves instead of errors.
package walker

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/dhcgn/mbox-processor/config"
	"github.com/dhcgn/mbox-processor/model"
)

// tolerable reports whether a go-message error still leaves a usable entity
// behind (unknown charsets and encodings are decoded best-effort).
func tolerable(err error) bool {
	return err == nil || message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// Walk parses raw message bytes and calls fn once for every leaf part, in
// original order. Returning an error from fn ends the walk.
func Walk(raw []byte, fn func(p model.Part) error) error {
	entity, err := message.Read(bytes.NewReader(raw))
	if !tolerable(err) {
		return err
	}
	return walkEntity(entity, nil, 0, fn)
}

func walkEntity(e *message.Entity, path []int, depth int, fn func(p model.Part) error) error {
	if depth < config.MaxWalkDepth && isWalkableMultipart(e) {
		if mr := e.MultipartReader(); mr != nil {
			for i := 0; ; i++ {
				child, err := mr.NextPart()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if !tolerable(err) {
					// Broken boundary mid-stream; the remaining children are
					// unrecoverable, keep what was seen so far.
					return nil
				}
				childPath := append(append([]int(nil), path...), i)
				if err := walkEntity(child, childPath, depth+1, fn); err != nil {
					return err
				}
			}
		}
	}

	return fn(buildPart(e, path))
}

// isWalkableMultipart reports whether the entity declares a multipart type
// with a usable boundary. A multipart declaration without a boundary is
// treated as a single opaque leaf.
func isWalkableMultipart(e *message.Entity) bool {
	t, params, err := e.Header.ContentType()
	if err != nil {
		return false
	}
	if !strings.HasPrefix(t, "multipart/") {
		return false
	}
	return params["boundary"] != ""
}

func buildPart(e *message.Entity, path []int) model.Part {
	part := model.Part{
		Path:        path,
		ContentType: "text/plain",
	}

	if t, params, err := e.Header.ContentType(); err == nil && t != "" {
		part.ContentType = t
		part.Params = params
	}

	disp, dispParams, err := e.Header.ContentDisposition()
	if err == nil {
		switch disp {
		case "attachment":
			part.Disposition = model.DispositionAttachment
		case "inline":
			part.Disposition = model.DispositionInline
		}
		part.Filename = dispParams["filename"]
	}
	if part.Filename == "" && part.Params != nil {
		part.Filename = part.Params["name"]
	}

	body, err := io.ReadAll(e.Body)
	part.Body = body
	if !tolerable(err) {
		part.DecodeErr = err
	}

	return part
}
