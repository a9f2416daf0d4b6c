package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/runtime"
	"github.com/mohammad-safakhou/researcher/internal/server"
	"github.com/spf13/cobra"
)

func runCMD(cfgPath *string) *cobra.Command {
	var (
		topicsPath string
		runID      string
		mode       string
		parallel   int
		statusAddr string
		outPath    string
		resume     bool
	)

	run := &cobra.Command{
		Use:   "run [question]",
		Short: "Research a question until every topic is completed or failed",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer closeLog()

			if mode != "" {
				cfg.Scheduler.Mode = mode
			}
			if parallel > 0 {
				cfg.Scheduler.MaxParallel = parallel
			}
			if statusAddr != "" {
				cfg.Telemetry.StatusAddr = statusAddr
			}
			if resume {
				cfg.Queue.Resume = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.LLM.Validate(); err != nil {
				return err
			}

			req := runtime.Request{RunID: runID, Question: strings.Join(args, " ")}
			if topicsPath != "" {
				tf, err := config.LoadTopics(topicsPath)
				if err != nil {
					return err
				}
				req.Topics = tf
			}
			if req.Question == "" && req.Topics == nil {
				return errors.New("pass a question or --topics")
			}
			if cfg.Queue.Resume && req.RunID == "" {
				return errors.New("--resume needs --run-id")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			res, err := runtime.Open(ctx, cfg, log, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				res.Close(shutdownCtx)
			}()

			provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
				APIKey:      cfg.LLM.APIKey,
				BaseURL:     cfg.LLM.BaseURL,
				Model:       cfg.LLM.Model,
				Temperature: float32(cfg.LLM.Temperature),
				MaxTokens:   cfg.LLM.MaxTokens,
				Timeout:     cfg.LLM.Timeout,
				JSONMode:    cfg.LLM.JSONMode,
			})
			if err != nil {
				return err
			}
			registry, closeTools, err := runtime.BuildRegistry(cfg.Tools, log)
			if err != nil {
				return err
			}
			defer closeTools()

			svc := runtime.NewService(cfg, res, provider, registry)
			prepared, err := svc.Prepare(ctx, req)
			if err != nil {
				return err
			}

			if addr := cfg.Telemetry.StatusAddr; addr != "" {
				status := server.New(server.Config{
					RunID:     prepared.ID,
					Queue:     prepared.Manager,
					Citations: prepared.Ledger,
					Metrics:   res.Metrics.Handler(),
				}.WithEvents(prepared.Stream), log)
				go func() {
					if err := status.Start(addr); err != nil {
						log.Error().Err(err).Str("addr", addr).Msg("status server stopped")
					}
				}()
				defer func() {
					shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
					defer c()
					_ = status.Shutdown(shutdownCtx)
				}()
			}

			report, runErr := prepared.Execute(ctx)
			if err := writeReport(outPath, report); err != nil {
				log.Error().Err(err).Msg("write report")
			}
			if runErr != nil {
				return fmt.Errorf("run %s: %w", prepared.ID, runErr)
			}
			log.Info().
				Str("run_id", report.RunID).
				Int("completed", report.Stats.Completed).
				Int("failed", report.Stats.Failed).
				Int("tool_calls", report.Stats.ToolCalls).
				Str("elapsed", report.Elapsed).
				Msg("run finished")
			return nil
		},
	}
	run.Flags().StringVar(&topicsPath, "topics", "", "YAML topics file to seed the queue instead of decomposing")
	run.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random uuid)")
	run.Flags().StringVar(&mode, "mode", "", "sequential or parallel (overrides scheduler.mode)")
	run.Flags().IntVar(&parallel, "parallel", 0, "max concurrent topics (overrides scheduler.max_parallel)")
	run.Flags().StringVar(&statusAddr, "status-addr", "", "serve /queue, /citations, /events and /metrics on this address")
	run.Flags().StringVarP(&outPath, "out", "o", "", "write the JSON report here (default stdout)")
	run.Flags().BoolVar(&resume, "resume", false, "restore the queue snapshot of --run-id instead of seeding")
	return run
}

func writeReport(path string, report *runtime.Report) error {
	if report == nil {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
