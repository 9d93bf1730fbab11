package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iuriikogan/rlm-repl/internal/config"
	"github.com/iuriikogan/rlm-repl/internal/eventing"
	"github.com/iuriikogan/rlm-repl/internal/observability"
	"github.com/iuriikogan/rlm-repl/internal/rlm"
	"github.com/iuriikogan/rlm-repl/internal/types"
)

func newRunCmd(factory engineFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [query...]",
		Short: "Run one query over a context",
		Long: `Run one root session over a context and print its answer.

The context is read from --context-file or, when that is not set, from stdin.
Files ending in .json are decoded, so lists and objects reach the REPL as
Python lists and dicts; anything else is passed as a string.

Exit status is 1 when the session failed and 2 when it ran out of iterations
without a final answer.`,
		Example: `
# Ask about a document
rlm run --context-file report.txt "Which quarter had the highest revenue?"

# Pipe the context in
cat server.log | rlm run "How many distinct request ids failed?"

# Print the full session as JSON
rlm run --json -f data.json "Summarize each record"
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, factory, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringP("context-file", "f", "", "Read the context from this file instead of stdin")
	cmd.Flags().Int("max-iterations", 0, "Root iteration budget (overrides config)")
	cmd.Flags().String("model", "", "Root model (overrides config)")
	cmd.Flags().String("sub-model", "", "Model used by llm_query sub-sessions (overrides config)")
	cmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	cmd.Flags().BoolP("verbose", "v", false, "Log every event, including model responses")
	cmd.Flags().Bool("json", false, "Print the session result as JSON")
	return cmd
}

func runQuery(cmd *cobra.Command, factory engineFactory, query string) error {
	configPath, _ := cmd.Flags().GetString("config")
	contextFile, _ := cmd.Flags().GetString("context-file")
	maxIter, _ := cmd.Flags().GetInt("max-iterations")
	model, _ := cmd.Flags().GetString("model")
	subModel, _ := cmd.Flags().GetString("sub-model")
	verbose, _ := cmd.Flags().GetBool("verbose")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := observability.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger := observability.SetupConsoleLogger(cmd.ErrOrStderr(), level)

	contextData, err := readContext(cmd.InOrStdin(), contextFile)
	if err != nil {
		return err
	}

	engine, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	engine = engine.With(
		rlm.WithEventSink(eventing.LogSink{Logger: logger, MaxPayload: 300}),
		rlm.WithMaxIterations(maxIter),
		rlm.WithModels(model, subModel),
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result := engine.Completion(ctx, query, contextData)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.Status != types.StatusFailed {
		fmt.Fprintln(out, result.Response)
	}

	switch result.Status {
	case types.StatusFailed:
		return &exitError{code: 1, err: result.Err()}
	case types.StatusExhausted:
		return &exitError{code: 2, err: fmt.Errorf("no final answer after %d iterations", result.Iterations)}
	}
	return nil
}

// readContext loads the context from path, or from in when path is empty.
func readContext(in io.Reader, path string) (any, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		if f, ok := in.(*os.File); ok {
			if fi, statErr := f.Stat(); statErr == nil && fi.Mode()&os.ModeCharDevice != 0 {
				return "", nil
			}
		}
		data, err = io.ReadAll(in)
	}
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return v, nil
	}
	return string(data), nil
}
