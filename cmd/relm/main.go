// Package main provides the CLI entry point for the relm recursive
// language model driver.
//
// # Basic Usage
//
// Run one completion over a context file:
//
//	relm run --config relm.yaml --context corpus.txt --prompt "Summarize the corpus"
//
// # Environment Variables
//
//   - RELM_CONFIG: Path to configuration file (default: relm.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//
// A .env file in the working directory is loaded before configuration.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relm/internal/config"
	"github.com/haasonsaas/relm/internal/rlm"
	"github.com/haasonsaas/relm/internal/trajectory"
	"github.com/haasonsaas/relm/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relm",
		Short: "Recursive language model driver",
		Long: "relm drives a text-completion model through an iterative loop of code\n" +
			"execution and nested sub-queries until it produces a final answer.",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		contextPath string
		prompt      string
		verbose     bool
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Best effort; secrets may also come from the real environment.
			_ = godotenv.Load()

			if configPath == "" {
				configPath = os.Getenv("RELM_CONFIG")
			}
			if configPath == "" {
				configPath = "relm.yaml"
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Verbose = true
			}
			setupLogging(cfg.Logging.Level)

			payload, err := loadPayload(contextPath, prompt)
			if err != nil {
				return err
			}

			var logger *trajectory.Logger
			if cfg.Trajectory.Enabled {
				logger, err = trajectory.NewLogger(cfg.Trajectory.Dir, cfg.Trajectory.Name)
				if err != nil {
					return err
				}
			}

			system := ""
			if cfg.SystemPromptFile != "" {
				data, err := os.ReadFile(cfg.SystemPromptFile)
				if err != nil {
					return fmt.Errorf("read system prompt: %w", err)
				}
				system = string(data)
			}

			others := make([]rlm.Backend, 0, len(cfg.OtherBackends))
			for _, other := range cfg.OtherBackends {
				others = append(others, rlm.Backend{Name: other.Name, Options: other.Options})
			}

			driver, err := rlm.New(rlm.Config{
				Backend:            cfg.Backend.Name,
				BackendOptions:     cfg.Backend.Options,
				Environment:        cfg.Environment.Kind,
				EnvironmentOptions: cfg.Environment.Options,
				MaxDepth:           cfg.MaxDepth,
				MaxIterations:      cfg.MaxIterations,
				SystemPrompt:       system,
				OtherBackends:      others,
				Logger:             logger,
				Verbose:            cfg.Verbose,
			})
			if err != nil {
				return err
			}

			completion, err := driver.Completion(cmd.Context(), payload, prompt)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(completion)
			}
			fmt.Println(completion.Response)
			printUsage(completion.UsageSummary)
			if logger != nil {
				fmt.Fprintln(os.Stderr, "trajectory:", logger.Path())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default relm.yaml)")
	cmd.Flags().StringVar(&contextPath, "context", "", "path to a context file loaded into the REPL")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "the user's question")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "styled progress output")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the full completion record as JSON")
	return cmd
}

// loadPayload builds the completion payload: the context file when given
// (JSON files load as structured payloads), otherwise the prompt itself.
func loadPayload(contextPath, prompt string) (models.Prompt, error) {
	if contextPath == "" {
		if prompt == "" {
			return models.Prompt{}, fmt.Errorf("either --context or --prompt is required")
		}
		return models.TextPrompt(prompt), nil
	}
	data, err := os.ReadFile(contextPath)
	if err != nil {
		return models.Prompt{}, fmt.Errorf("read context: %w", err)
	}
	if strings.HasSuffix(contextPath, ".json") {
		return models.DataPrompt(data), nil
	}
	return models.TextPrompt(string(data)), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func printUsage(usage models.UsageSummary) {
	for _, model := range usage.ModelNames() {
		u := usage.Models[model]
		fmt.Fprintf(os.Stderr, "%s: %d calls, %d in / %d out tokens, $%.4f\n",
			model, u.Calls, u.InputTokens, u.OutputTokens, u.Cost)
	}
}
