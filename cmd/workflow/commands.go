package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/config"
)

func startCmd(a *app) *cobra.Command {
	var vars []string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "start <workflow.yaml>",
		Short: "Start a new run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			variables, err := parseVariables(vars)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			a.serveMetrics(ctx)

			summary, runErr := a.engine.Start(ctx, wf, variables)
			if summary != nil {
				a.printSummary(summary)
			}
			return runErr
		},
	}
	cmd.Flags().StringArrayVarP(&vars, "var", "v", nil, "initial variable as key=value (value parsed as YAML)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "pause the run after this long")
	return cmd
}

func resumeCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a paused or failed run from its last saved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			a.serveMetrics(ctx)

			summary, runErr := a.engine.Resume(ctx, args[0])
			if summary != nil {
				a.printSummary(summary)
			}
			return runErr
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "pause the run after this long")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printSummary(summary)
			if !watch || summary.Status.IsTerminal() {
				return nil
			}
			return a.watch(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing the status as the run is saved (file store only)")
	return cmd
}

// watch prints the run's status whenever its latest state file changes
func (a *app) watch(ctx context.Context, runID string) error {
	if a.cfg.Store.Backend != config.BackendFile {
		return fmt.Errorf("--watch needs the file store, not %q", a.cfg.Store.Backend)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Join(a.cfg.StateDir, runID)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != "latest.json" || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			summary, err := a.engine.Status(ctx, runID)
			if err != nil {
				a.logger.Warn("failed to read run", "run_id", runID, "error", err)
				continue
			}
			fmt.Println()
			a.printSummary(summary)
			if summary.Status.IsTerminal() {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watch error", "error", err)
		}
	}
}

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := a.engine.List(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(summaries)
			}
			if len(summaries) == 0 {
				fmt.Println("No runs")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%-32s %-20s %s %6.1f%%  %s\n",
					s.RunID, s.WorkflowName, statusColor(s.Status), s.Progress, s.SavedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func checkpointsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List the saved checkpoints of a run, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metas, err := a.engine.Checkpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return printJSON(metas)
			}
			for _, m := range metas {
				fmt.Printf("%4d  %-20s %s  %s\n", m.Sequence, m.TriggerStep, statusColor(m.Status), m.Location)
			}
			return nil
		},
	}
}

func skipCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <run-id> <step-id>",
		Short: "Mark a step as skipped so that a resume does not run it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.engine.Skip(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			a.printSummary(summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "skipped by operator", "reason recorded on the step")
	return cmd
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				def, err := wf.Definition()
				if err != nil {
					return err
				}
				fmt.Println(string(def))
				return nil
			}
			printWorkflow(wf)
			return nil
		},
	}
}

// parseVariables turns key=value pairs into variables. Values are decoded as
// YAML so that numbers and booleans keep their type.
func parseVariables(pairs []string) (map[string]any, error) {
	variables := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, use key=value", pair)
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		variables[key] = parsed
	}
	return variables, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
