package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"geollama/geoparse"
)

func geoparseCmd(state *cliState) *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "geoparse [text]",
		Short: "Resolve the toponyms in one text",
		Long:  "Resolves every place name in the given text (or stdin when no argument is passed) and prints the locations as JSON.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimSpace(string(data))
			}
			if text == "" {
				return errors.New("no input text: pass it as an argument or on stdin")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(state.cfg, state.log)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logEvents(ctx)

			res, err := a.Geoparse(ctx, text)
			if err != nil {
				if errors.Is(err, geoparse.ErrExtractionFailed) {
					return fmt.Errorf("toponym extraction failed after retries: %w", err)
				}
				return err
			}
			for _, w := range res.Warnings {
				state.log.Warn().Str("toponym", w.Toponym).Str("kind", string(w.Kind)).Msg(w.Detail)
			}
			return writeResult(cmd.OutOrStdout(), res, compact)
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "emit single-line JSON")
	return cmd
}

func writeResult(w io.Writer, res geoparse.Result, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(res)
}
