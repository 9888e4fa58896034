package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/streamchecker/streamchecker/pkg/types"
	"github.com/streamchecker/streamchecker/server/internal/checks"
	"github.com/streamchecker/streamchecker/server/internal/config"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
	"github.com/streamchecker/streamchecker/server/internal/security"
	"github.com/streamchecker/streamchecker/server/internal/selection"
	"github.com/streamchecker/streamchecker/server/internal/service"
	"github.com/streamchecker/streamchecker/server/internal/store"
)

// cliClient is the client address recorded for command-line checks.
const cliClient = "cli"

var checkCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Run one check against a stream URL",
	Long: "Runs the selected stages against the stream and prints a summary. " +
		"Without --phase or --tests every stage runs. Exits 1 when the request is rejected before any stage runs.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Int("phase", 0, "run stages 1..N (1 connectivity, 2 player, 3 audio, 4 ads)")
	checkCmd.Flags().StringSlice("tests", nil, "comma separated tests: connectivity,stream_info,metadata,player_test,audio_analysis,ad_detection")
	checkCmd.Flags().Float64("ad-duration", 0, "ad monitoring window in seconds (clamped to 10..300)")
	checkCmd.Flags().Bool("json", false, "print the result record as JSON")
	checkCmd.Flags().BoolP("verbose", "v", false, "log stage progress to stderr")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, path, err := resolveConfig(cfgFile)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(cmd.ErrOrStderr(), verbose)
	if path != "" {
		logger.Debug("streamcheck: config loaded", "path", path)
	}

	if cmd.Flags().Changed("ad-duration") {
		secs, _ := cmd.Flags().GetFloat64("ad-duration")
		cfg.Checks.AdMonitoringDuration = selection.ClampAdDuration(time.Duration(secs * float64(time.Second)))
	}

	req := service.Request{
		URL:       args[0],
		IPAddress: cliClient,
		UserAgent: "streamcheck",
		Unlimited: true,
	}
	if cmd.Flags().Changed("tests") {
		names, _ := cmd.Flags().GetStringSlice("tests")
		if req.Tests, err = testsMap(names); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("phase") {
		req.Phase, _ = cmd.Flags().GetInt("phase")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := submit(ctx, cfg, req, logger)
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res.Record)
	}
	printSummary(cmd.OutOrStdout(), res.Record)
	return nil
}

// submit runs req against a throwaway in-memory store.
func submit(ctx context.Context, cfg *config.Config, req service.Request, logger *slog.Logger) (*service.Result, error) {
	st := store.NewMemory(0)
	defer st.Close() //nolint:errcheck

	coord := pipeline.New(checks.New(cfg.Checks), st, pipeline.Options{Logger: logger})
	svc := service.New(st, coord, service.Settings{
		Defaults:  cfg.CheckDefaults(),
		Validator: security.NewValidator(cfg.Security, nil),
	}, logger)
	return svc.Submit(ctx, req)
}

// testNames are the names --tests accepts.
var testNames = []string{
	types.NameConnectivity, types.NameStreamInfo, types.NameMetadata,
	types.NamePlayerTest, types.NameAudioAnalysis, types.NameAdDetection,
}

// testsMap turns --tests names into the tests selection mapping. Unlike the
// HTTP API the command line rejects names it does not know.
func testsMap(names []string) (map[string]interface{}, error) {
	m := make(map[string]interface{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !slices.Contains(testNames, n) {
			return nil, errors.Newf("unknown test %q (want one of %s)", n, strings.Join(testNames, ", "))
		}
		m[n] = true
	}
	return m, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
