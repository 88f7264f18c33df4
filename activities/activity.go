// Package activities provides general purpose step bodies: shell commands,
// file operations, scripts, and activities for exercising failure handling.
package activities

import (
	"path/filepath"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
)

// Defaults returns the built-in activities
func Defaults() []workflow.Activity {
	return []workflow.Activity{
		NewShellActivity(),
		NewFileActivity(),
		NewScriptActivity(),
		NewFailActivity(),
		NewSleepActivity(),
	}
}

// resolve returns path inside the step's working directory unless it is
// already absolute
func resolve(ctx workflow.Context, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.WorkDir(), path)
}

// reportArtifacts converts a name to path map into artifact outputs
func reportArtifacts(artifacts map[string]string) []workflow.ArtifactOutput {
	if len(artifacts) == 0 {
		return nil
	}
	outputs := make([]workflow.ArtifactOutput, 0, len(artifacts))
	for name, path := range artifacts {
		outputs = append(outputs, workflow.ArtifactOutput{Name: name, Path: path})
	}
	return outputs
}
