package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-processor/config"
	"github.com/dhcgn/mbox-processor/mbox"
	"github.com/dhcgn/mbox-processor/stats"
)

var multipartMessage = strings.Join([]string{
	"From john@example.com Mon Jun 30 10:00:00 2025",
	"From: John Doe <john.doe@example.com>",
	"Date: Mon, 30 Jun 2025 10:00:00 +0000",
	"Subject: report",
	"MIME-Version: 1.0",
	`Content-Type: multipart/mixed; boundary="BOUNDARY"`,
	"",
	"--BOUNDARY",
	"Content-Type: text/plain; charset=utf-8",
	"",
	"Please find the report attached.",
	"--BOUNDARY",
	`Content-Type: application/pdf; name="report.pdf"`,
	`Content-Disposition: attachment; filename="report.pdf"`,
	"Content-Transfer-Encoding: base64",
	"",
	"SGVsbG8gUERG",
	"--BOUNDARY--",
	"",
}, "\n")

var brokenMessage = strings.Join([]string{
	"From broken@example.com Mon Jun 30 11:00:00 2025",
	"this line is not a header",
	"",
	"unreachable body",
	"",
}, "\n")

var plainMessage = strings.Join([]string{
	"From jane@example.com Tue Jul 01 12:00:00 2025",
	"From: jane@example.com",
	"Date: Tue, 01 Jul 2025 12:00:00 +0000",
	"Subject: second",
	"",
	"just text, nothing attached",
	"",
}, "\n")

var extensionlessMessage = strings.Join([]string{
	"From data@example.com Wed Jul 02 09:00:00 2025",
	"From: data@example.com",
	"Date: Wed, 02 Jul 2025 09:00:00 +0000",
	"Subject: raw dump",
	"MIME-Version: 1.0",
	`Content-Type: multipart/mixed; boundary="DUMP"`,
	"",
	"--DUMP",
	"Content-Type: text/plain",
	"",
	"dump attached",
	"--DUMP",
	`Content-Type: application/octet-stream; name="datafile"`,
	`Content-Disposition: attachment; filename="datafile"`,
	"",
	"%PDF-1.4",
	"fake pdf payload for sniffing",
	"%%EOF",
	"--DUMP--",
	"",
}, "\n")

func writeMbox(t *testing.T, messages ...string) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.mbox")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(messages, "\n")), 0o644))
	return config.Config{
		MboxPath:   path,
		OutputDir:  dir,
		OutputMbox: filepath.Join(dir, "output.mbox"),
		LogLevel:   "debug",
	}
}

func newTestRunner(t *testing.T, cfg config.Config) *Runner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, logger)
	require.NoError(t, err)
	return r
}

func countOutput(t *testing.T, cfg config.Config) int {
	t.Helper()
	count, err := mbox.CountMessages(cfg.OutputMbox)
	require.NoError(t, err)
	return count
}

func TestRunExtractsAndRewrites(t *testing.T) {
	cfg := writeMbox(t, multipartMessage, brokenMessage, plainMessage)
	r := newTestRunner(t, cfg)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Summary.Scanned)
	assert.Equal(t, 2, result.Summary.Processed)
	assert.Equal(t, 1, result.Summary.FailedMessages)
	assert.Equal(t, 1, result.Summary.SavedAttachments)
	assert.Equal(t, int64(len("Hello PDF")), result.Summary.AttachmentBytes)
	assert.Equal(t, 1, result.Summary.ByExtension["pdf"])

	// The broken message is dropped, both good ones survive.
	assert.Equal(t, 2, countOutput(t, cfg))

	out, err := os.ReadFile(cfg.OutputMbox)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[Attachment: report.pdf]")
	assert.Contains(t, string(out), "Please find the report attached.")
	assert.Contains(t, string(out), "just text, nothing attached")
	assert.Regexp(t,
		regexp.MustCompile(`Saved to: attachments/john_doe_example_com/2025-06-30_john_doe_example_com_\d{5}\.pdf`),
		string(out))

	matches, err := filepath.Glob(filepath.Join(cfg.AttachmentsDir(), "john_doe_example_com", "*.pdf"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "Hello PDF", string(data))
}

func TestRunMaxMessages(t *testing.T) {
	cfg := writeMbox(t, multipartMessage, brokenMessage, plainMessage)
	cfg.MaxMessages = 2
	r := newTestRunner(t, cfg)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Summary.Scanned)
	assert.Equal(t, 1, result.Summary.Processed)
	assert.Equal(t, 1, result.Summary.FailedMessages)
	assert.Equal(t, 1, countOutput(t, cfg))
}

func TestRunFilterExcludes(t *testing.T) {
	cfg := writeMbox(t, multipartMessage, plainMessage)
	cfg.ExcludeHeader = []string{"Subject: second"}
	r := newTestRunner(t, cfg)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Summary.Scanned)
	assert.Equal(t, 1, result.Summary.Filtered)
	assert.Equal(t, 1, result.Summary.Processed)
	assert.Equal(t, 1, countOutput(t, cfg))

	out, err := os.ReadFile(cfg.OutputMbox)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "just text, nothing attached")
}

func TestRunPostProcessRelocatesExtensionless(t *testing.T) {
	cfg := writeMbox(t, extensionlessMessage)
	cfg.PostProcess = true
	r := newTestRunner(t, cfg)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.PostProcess)
	assert.Equal(t, 1, result.PostProcess.Scanned)
	assert.Equal(t, 1, result.PostProcess.Relocated)
	assert.Equal(t, 0, result.PostProcess.Unknown)
	assert.True(t, result.PostProcess.TempRemoved)

	matches, err := filepath.Glob(filepath.Join(cfg.AttachmentsDir(), "data_example_com", "*.pdf"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, err = os.Stat(cfg.TempDir())
	assert.True(t, os.IsNotExist(err), "temp tree must be gone after relocation")
}

func generatedMessage(i int) string {
	return strings.Join([]string{
		fmt.Sprintf("From user%d@example.com Tue Jul 01 12:00:00 2025", i),
		fmt.Sprintf("From: user%d@example.com", i),
		"Date: Tue, 01 Jul 2025 12:00:00 +0000",
		fmt.Sprintf("Subject: message %d", i),
		"",
		fmt.Sprintf("body %d", i),
		"",
	}, "\n")
}

func TestRunSummaryCountsEveryMessage(t *testing.T) {
	const total = 200
	messages := make([]string, total)
	for i := range messages {
		messages[i] = generatedMessage(i)
	}
	cfg := writeMbox(t, messages...)
	r := newTestRunner(t, cfg)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, total, result.Summary.Scanned)
	assert.Equal(t, total, result.Summary.Processed)
	assert.Equal(t, 0, result.Summary.FailedMessages)
	assert.Equal(t, total, countOutput(t, cfg))
}

func TestRunEventsReachEverySubscriber(t *testing.T) {
	const total = 50
	messages := make([]string, total)
	for i := range messages {
		messages[i] = generatedMessage(i)
	}
	cfg := writeMbox(t, messages...)
	r := newTestRunner(t, cfg)

	// A second subscriber next to the stats reporter; both must see the full
	// event stream, not a share of it.
	var mu sync.Mutex
	seen := 0
	r.SubscribeStats("event-counter", func(ctx context.Context, events <-chan stats.Event) error {
		for range events {
			mu.Lock()
			seen++
			mu.Unlock()
		}
		return nil
	})

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, total, result.Summary.Scanned)
	assert.Equal(t, total, result.Summary.Processed)

	mu.Lock()
	defer mu.Unlock()
	// One scanned and one processed event per message.
	assert.Equal(t, 2*total, seen)
}

func TestRunMissingInputIsFatal(t *testing.T) {
	cfg := config.Config{
		MboxPath:   filepath.Join(t.TempDir(), "does-not-exist.mbox"),
		OutputDir:  t.TempDir(),
		OutputMbox: filepath.Join(t.TempDir(), "output.mbox"),
		LogLevel:   "debug",
	}
	r := newTestRunner(t, cfg)

	_, err := r.Run(context.Background())
	assert.Error(t, err)
}
