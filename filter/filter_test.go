package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"Subject: Test"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Test Message\nFrom: sender@example.com\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (header matches)")
	}

	headerNoMatch := []byte("Subject: Other\nFrom: sender@example.com\n")
	if f.Allows(headerNoMatch, body) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"spam"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Normal Message\nFrom: sender@example.com\n")
	body := []byte("This is the message body")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (no spam)")
	}

	headerSpam := []byte("Subject: This is spam\nFrom: spammer@example.com\n")
	if f.Allows(headerSpam, body) {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	opts := Options{}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if f.Active() {
		t.Error("Expected filter to be inactive with no patterns")
	}

	header := []byte("Subject: Any Message\n")
	body := []byte("Any body content")

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	opts := Options{
		IncludeBody: []string{"important"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Message\n")
	bodyMatch := []byte("This is an important message")
	bodyNoMatch := []byte("This is a regular message")

	if !f.Allows(header, bodyMatch) {
		t.Error("Expected message to be allowed (body matches)")
	}

	if f.Allows(header, bodyNoMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestFilter_GetStats(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"spam", "phishing"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows([]byte("Subject: spam offer\n"), nil)
	f.Allows([]byte("Subject: spam again\n"), nil)
	f.Allows([]byte("Subject: fine\n"), nil)

	statsOut := f.GetStats()
	if len(statsOut.ExcludeHeaderPatterns) != 2 {
		t.Fatalf("expected 2 exclude patterns, got %d", len(statsOut.ExcludeHeaderPatterns))
	}
	if got := statsOut.Hits["spam"]; got != 2 {
		t.Errorf("hits[spam] = %d, want 2", got)
	}
	if got := statsOut.Hits["phishing"]; got != 0 {
		t.Errorf("hits[phishing] = %d, want 0", got)
	}
}
