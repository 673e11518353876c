package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Policy constants for path derivation. These fix the arbitrary choices of the
// naming scheme in one place so they can be tuned without touching the
// extraction code.
const (
	// SenderFiller replaces every sender-address byte outside [A-Za-z0-9].
	SenderFiller = '_'
	// UnknownSenderKey is the directory key for unparseable sender addresses.
	UnknownSenderKey = "unknown_sender"
	// UnknownDateKey is the date component for unparseable Date headers.
	UnknownDateKey = "unknown-date"
	// DateLayout formats the date component of generated file names.
	DateLayout = "2006-01-02"
	// LowercaseExtensions forces extensions from filename hints to lower case.
	LowercaseExtensions = true
	// MaxExtensionLen caps how long a filename suffix may be to still count as
	// an extension.
	MaxExtensionLen = 10
	// MaxWalkDepth bounds MIME tree recursion; deeper nesting is flattened.
	MaxWalkDepth = 100
	// SuffixRetries bounds random suffix redraws before falling back to an
	// incrementing counter.
	SuffixRetries = 10
)

// Config captures all command-line options required to run the processor.
type Config struct {
	MboxPath      string
	OutputDir     string
	OutputMbox    string
	MaxMessages   int
	Verbose       bool
	LogDir        string
	PostProcess   bool
	KeepTemp      bool
	LogLevel      string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// AttachmentsDir returns the root of the extracted attachment tree.
func (c Config) AttachmentsDir() string {
	return filepath.Join(c.OutputDir, "attachments")
}

// TempDir returns the holding area for extensionless attachments awaiting
// type detection.
func (c Config) TempDir() string {
	return filepath.Join(c.AttachmentsDir(), "temp")
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the .mbox file to process")
	flags.StringP("output-dir", "o", "attachments", "Directory to place the extracted attachment tree in")
	flags.String("output-mbox", "output.mbox", "Path for the rewritten mailbox")
	flags.IntP("max-messages", "m", 0, "Maximum number of messages to process (0 for all)")
	flags.BoolP("verbose", "v", false, "Enable verbose (debug) output")
	flags.String("log-dir", "", "Directory for log files (empty: log to stdout only)")
	flags.Bool("post-process", false, "Detect types of extensionless attachments after the run and relocate them")
	flags.Bool("keep-temp", false, "Keep the temp directory after post-processing")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	if err := cmd.MarkFlagRequired("mbox"); err != nil {
		return err
	}

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("output-dir")
	if err != nil {
		return Config{}, err
	}
	outputMbox, err := flags.GetString("output-mbox")
	if err != nil {
		return Config{}, err
	}
	maxMessages, err := flags.GetInt("max-messages")
	if err != nil {
		return Config{}, err
	}
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	postProcess, err := flags.GetBool("post-process")
	if err != nil {
		return Config{}, err
	}
	keepTemp, err := flags.GetBool("keep-temp")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	logLevel := "info"
	if verbose {
		logLevel = "debug"
	}

	cfg := Config{
		MboxPath:      strings.TrimSpace(mboxPath),
		OutputDir:     filepath.Clean(outputDir),
		OutputMbox:    filepath.Clean(outputMbox),
		MaxMessages:   maxMessages,
		Verbose:       verbose,
		LogDir:        logDir,
		PostProcess:   postProcess,
		KeepTemp:      keepTemp,
		LogLevel:      logLevel,
		IncludeHeader: includeHeader,
		IncludeBody:   includeBody,
		ExcludeHeader: excludeHeader,
		ExcludeBody:   excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("--mbox is required")
	}
	if _, err := os.Stat(cfg.MboxPath); err != nil {
		return fmt.Errorf("input mbox: %w", err)
	}
	if cfg.MaxMessages < 0 {
		return fmt.Errorf("--max-messages must be 0 or positive")
	}
	if cfg.KeepTemp && !cfg.PostProcess {
		return fmt.Errorf("--keep-temp only makes sense together with --post-process")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	return nil
}
