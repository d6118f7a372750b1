package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"geollama/geoparse"
)

// batchItem is one line of batch output: the input text plus either its
// resolution result or the error that stopped it.
type batchItem struct {
	Index     int                         `json:"index"`
	Text      string                      `json:"text"`
	Locations []geoparse.ResolvedLocation `json:"locations,omitempty"`
	Warnings  []geoparse.Warning          `json:"warnings,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

func batchCmd(state *cliState) *cobra.Command {
	var outPath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Resolve toponyms for every line of a file",
		Long:  "Reads newline-delimited texts from a file and resolves each one, writing one JSON object per input line. A failure on one text is reported in its output line and does not stop the batch.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			texts, err := readLines(args[0])
			if err != nil {
				return err
			}
			if len(texts) == 0 {
				return errors.New("input file contains no texts")
			}

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(state.cfg, state.log)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logEvents(ctx)
			if watch {
				a.watchTasks(ctx)
			}

			bar := progressbar.NewOptions(len(texts),
				progressbar.OptionSetDescription("geoparsing"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			enc := json.NewEncoder(out)
			var failed int
			for i, text := range texts {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				item := batchItem{Index: i, Text: text}
				res, err := a.Geoparse(ctx, text)
				if err != nil {
					failed++
					item.Error = err.Error()
					state.log.Warn().Int("index", i).Err(err).Msg("text failed")
				} else {
					item.Locations = res.Locations
					item.Warnings = res.Warnings
				}
				if err := enc.Encode(item); err != nil {
					return err
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			snap := a.metrics.Snapshot()
			state.log.Info().
				Int("texts", len(texts)).
				Int("failed", failed).
				Int64("toponyms", snap.ToponymsFound).
				Int64("resolved", snap.ToponymsResolved).
				Int64("estimates", snap.RAGEstimates).
				Int64("cache_hits", snap.CacheHits).
				Int64("parse_retries", snap.ParseRetries).
				Msg("batch complete")
			if failed > 0 {
				return fmt.Errorf("%d of %d texts failed", failed, len(texts))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write JSON lines to this file instead of stdout")
	cmd.Flags().BoolVar(&watch, "watch-config", false, "hot-reload prompt templates from the config file during the run")
	return cmd
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
