package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

func statusColor(status state.Status) string {
	switch status {
	case state.StatusCompleted:
		return color.GreenString("%-9s", status)
	case state.StatusFailed:
		return color.RedString("%-9s", status)
	case state.StatusPaused:
		return color.YellowString("%-9s", status)
	default:
		return color.CyanString("%-9s", status)
	}
}

func (a *app) printSummary(s *workflow.ExecutionSummary) {
	if a.jsonOut {
		if err := printJSON(s); err != nil {
			color.Red("Error formatting summary: %v", err)
		}
		return
	}
	color.Cyan("Run: %s (%s)", s.RunID, s.WorkflowName)
	fmt.Printf("Status:    %s\n", statusColor(s.Status))
	fmt.Printf("Progress:  %.1f%% (%d of %d steps)\n", s.Progress, len(s.CompletedSteps), s.TotalSteps)
	fmt.Printf("Executions: %d\n", s.Executions)
	if s.CurrentStep != "" {
		fmt.Printf("Last step: %s\n", s.CurrentStep)
	}
	if len(s.SkippedSteps) > 0 {
		fmt.Printf("Skipped:   %s\n", strings.Join(s.SkippedSteps, ", "))
	}
	if len(s.Loopbacks) > 0 {
		keys := make([]string, 0, len(s.Loopbacks))
		for k := range s.Loopbacks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		color.Magenta("Loopbacks:")
		for _, k := range keys {
			fmt.Printf("  %s: %d\n", k, s.Loopbacks[k])
		}
	}
	if s.Duration > 0 {
		fmt.Printf("Duration:  %v\n", s.Duration)
	}
	if s.Blocked != nil && len(s.Blocked.Steps) > 0 {
		color.Yellow("Blocked: %s", s.Blocked)
	}
	if s.Error != "" {
		color.Red("Error: %s", s.Error)
	}
}

func printWorkflow(wf *workflow.Workflow) {
	color.Cyan("Workflow: %s", wf.Name())
	if wf.Description() != "" {
		fmt.Printf("  %s\n", wf.Description())
	}
	for _, step := range wf.Steps() {
		fmt.Printf("  %s", color.BlueString(step.ID))
		if len(step.Requires) > 0 {
			fmt.Printf("  requires %s", strings.Join(step.Requires, ", "))
		}
		if len(step.Creates) > 0 {
			fmt.Printf("  creates %s", strings.Join(step.Creates, ", "))
		}
		if step.Gate != nil {
			fmt.Printf("  gate %q", step.Gate.Condition)
			if step.Gate.OnFail != "" {
				fmt.Printf(" on_fail %s", step.Gate.OnFail)
			}
		}
		fmt.Println()
	}
}

// progressPrinter prints one line per step and gate as a run progresses
type progressPrinter struct {
	workflow.BaseExecutionCallbacks
	quiet bool
}

func (p *progressPrinter) BeforeWorkflowExecution(ctx context.Context, event *workflow.WorkflowExecutionEvent) {
	if p.quiet {
		return
	}
	verb := "Starting"
	if event.Resumed {
		verb = "Resuming"
	}
	color.Green("%s %s (run %s)", verb, event.WorkflowName, event.RunID)
}

func (p *progressPrinter) AfterStepExecution(ctx context.Context, event *workflow.StepExecutionEvent) {
	if p.quiet {
		return
	}
	if event.Error != nil {
		fmt.Printf("  %s %s (%v): %v\n", color.RedString("✗"), event.StepID, event.Duration.Round(time.Millisecond), event.Error)
		return
	}
	line := fmt.Sprintf("  %s %s (%v)", color.GreenString("✓"), event.StepID, event.Duration.Round(time.Millisecond))
	if event.Result != nil && event.Result.Score != nil {
		line += fmt.Sprintf(" score %g", *event.Result.Score)
	}
	fmt.Println(line)
}

func (p *progressPrinter) AfterGateEvaluation(ctx context.Context, event *workflow.GateEvaluationEvent) {
	if p.quiet || event.Passed {
		return
	}
	if event.NextStep != "" {
		color.Yellow("    gate on %s failed (%s), looping back to %s", event.StepID, event.Reason, event.NextStep)
		return
	}
	color.Red("    gate on %s failed: %s", event.StepID, event.Reason)
}
