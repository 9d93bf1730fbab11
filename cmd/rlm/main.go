package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iuriikogan/rlm-repl/internal/config"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/rlm"
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd(newEngine).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd(factory engineFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "rlm",
		Short:         "Recursive Language Model runner",
		Long:          "Answer queries over long contexts by letting a language model drive a persistent Python REPL.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(factory))
	return root
}

// engineFactory builds the engine for a run. Tests replace it.
type engineFactory func(cfg config.Config, logger *slog.Logger) (*rlm.RLM, error)

func newEngine(cfg config.Config, logger *slog.Logger) (*rlm.RLM, error) {
	llm, err := cfg.NewClient()
	if err != nil {
		return nil, err
	}
	return rlm.NewRLM(llm, cfg.RLMConfig(),
		rlm.WithInterpreterFactory(env.NewPythonFactory(cfg.PythonConfig())),
		rlm.WithLogger(logger),
	), nil
}
