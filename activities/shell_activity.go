package activities

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
)

// ShellInput defines the input parameters for the shell activity
type ShellInput struct {
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	WorkingDir  string            `mapstructure:"working_dir"`
	Environment map[string]string `mapstructure:"environment"`
	Timeout     time.Duration     `mapstructure:"timeout"` // 0 means the step timeout only

	// AllowFailure records a non-zero exit in the output instead of failing
	// the step
	AllowFailure bool `mapstructure:"allow_failure"`

	// ScoreFromStdout parses the last line of stdout as the step score
	ScoreFromStdout bool `mapstructure:"score_from_stdout"`

	// Artifacts maps artifact names to the paths the command produces
	Artifacts map[string]string `mapstructure:"artifacts"`
}

// ShellActivity can be used to execute shell commands. Commands run in the
// step's working directory.
type ShellActivity struct{}

func NewShellActivity() workflow.Activity {
	return workflow.NewTypedActivity(&ShellActivity{})
}

func (a *ShellActivity) Name() string {
	return "shell"
}

func (a *ShellActivity) Execute(ctx workflow.Context, params ShellInput) (*workflow.StepResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	var runCtx context.Context = ctx
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, params.Command, params.Args...)
	cmd.Dir = ctx.WorkDir()
	if params.WorkingDir != "" {
		cmd.Dir = resolve(ctx, params.WorkingDir)
	}
	if len(params.Environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range params.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	ctx.Logger().Debug("running command", "command", params.Command, "args", params.Args, "dir", cmd.Dir)
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command %q: %w", params.Command, context.DeadlineExceeded)
		}
		exitCode = exitError.ExitCode()
	}

	output := map[string]any{
		"stdout":    strings.TrimSpace(stdout.String()),
		"stderr":    strings.TrimSpace(stderr.String()),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	}
	if exitCode != 0 && !params.AllowFailure {
		return nil, fmt.Errorf("command %q exited with status %d: %s",
			params.Command, exitCode, output["stderr"])
	}

	result := &workflow.StepResult{Output: output}
	if params.ScoreFromStdout {
		score, err := lastLineScore(stdout.String())
		if err != nil {
			return nil, err
		}
		result.Score = &score
	}
	if exitCode == 0 {
		result.Artifacts = reportArtifacts(params.Artifacts)
	}
	return result, nil
}

func lastLineScore(stdout string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	score, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("stdout does not end with a score: %q", last)
	}
	return score, nil
}
