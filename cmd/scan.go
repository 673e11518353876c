package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-processor/extract"
	"github.com/dhcgn/mbox-processor/filter"
	"github.com/dhcgn/mbox-processor/mbox"
	"github.com/dhcgn/mbox-processor/model"
	"github.com/dhcgn/mbox-processor/stats"
	"github.com/dhcgn/mbox-processor/walker"
)

// ScanCmd builds the read-only "scan" subcommand: it surveys an mbox archive
// and reports senders and attachment types without writing any output tree.
func ScanCmd() *cobra.Command {
	var (
		reportDir     string
		topN          int
		includeHeader []string
		includeBody   []string
		excludeHeader []string
		excludeBody   []string
	)

	scanCmd := &cobra.Command{
		Use:   "scan [mbox file]",
		Short: "Analyse an mbox file and show sender and attachment statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mboxPath := args[0]

			fmt.Println("Analyzing mbox file:", mboxPath)

			f, err := filter.New(filter.Options{
				IncludeHeader: includeHeader,
				IncludeBody:   includeBody,
				ExcludeHeader: excludeHeader,
				ExcludeBody:   excludeBody,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			counter := map[string]map[string]int{
				"sender":       {},
				"extension":    {},
				"content-type": {},
			}
			categories := []string{"sender", "extension", "content-type"}

			messageCount := 0
			skippedCount := 0
			attachmentCount := 0

			err = mbox.Read(mboxPath, func(env model.Envelope) error {
				if env.Err != nil {
					skippedCount++
					return nil
				}

				header, body := mbox.SplitRawMessage(env.Raw)
				if f.Active() && !f.Allows(header, body) {
					skippedCount++
					return nil
				}

				msg, err := mbox.ParseEnvelopeHeaders(env)
				if err != nil {
					skippedCount++
					return nil
				}
				messageCount++
				counter["sender"][extract.SenderKey(msg.Sender)]++

				return walker.Walk(msg.Raw, func(p model.Part) error {
					if !extract.IsAttachment(p) {
						return nil
					}
					attachmentCount++
					counter["content-type"][p.ContentType]++
					ext := extract.ExtensionOf(p.Filename)
					if ext == "" {
						ext = "(none)"
					}
					counter["extension"][ext]++
					return nil
				})
			})
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			fmt.Printf("Messages: %d (skipped %d), attachments: %d\n\n", messageCount, skippedCount, attachmentCount)
			for _, category := range categories {
				fmt.Printf("Top %d by %s:\n", topN, category)
				stats.PrettyPrintTop(counter[category], topN)
				fmt.Println()
			}

			if err := saveCSVReports(counter, categories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Printf("Reports saved to directory: %s\n", reportDir)

			return nil
		},
	}

	scanCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	scanCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	scanCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	scanCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	scanCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	scanCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return scanCmd
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		counts := counter[category]

		filename := fmt.Sprintf("report_%s.csv", normalizeCategoryName(category))
		filePath := filepath.Join(dir, filename)

		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)

		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counts {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			return pairs[i].Value > pairs[j].Value
		})

		for i := 0; i < limit && i < len(pairs); i++ {
			record := []string{
				pairs[i].Key,
				strconv.Itoa(pairs[i].Value),
			}
			if err := writer.Write(record); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeCategoryName(category string) string {
	name := strings.ToLower(category)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
