package activities

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// FileInput defines the input parameters for the file activity. Relative
// paths resolve against the step's working area, so writes stay isolated
// until the step succeeds.
type FileInput struct {
	Operation   string `mapstructure:"operation"`   // read (default), write, append, copy, delete, exists, mkdir, list
	Path        string `mapstructure:"path"`        // file or directory path
	Source      string `mapstructure:"source"`      // copy source
	Content     string `mapstructure:"content"`     // content for write and append
	Permissions string `mapstructure:"permissions"` // octal, e.g. "0644"
	CreateDirs  bool   `mapstructure:"create_dirs"` // create missing parent directories

	// Artifact, when set, reports Path as this artifact after a write,
	// append, copy or mkdir
	Artifact string `mapstructure:"artifact"`
}

// FileActivity performs file operations inside the step's working area
type FileActivity struct{}

func NewFileActivity() workflow.Activity {
	return workflow.NewTypedActivity(&FileActivity{})
}

func (a *FileActivity) Name() string {
	return "file"
}

func (a *FileActivity) Execute(ctx workflow.Context, params FileInput) (*workflow.StepResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	path := resolve(ctx, params.Path)

	switch strings.ToLower(params.Operation) {
	case "", "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return output("content", string(content)), nil
	case "write":
		return params.write(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, []byte(params.Content))
	case "append":
		return params.write(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, []byte(params.Content))
	case "copy":
		if params.Source == "" {
			return nil, fmt.Errorf("copy needs a source")
		}
		data, err := os.ReadFile(resolve(ctx, params.Source))
		if err != nil {
			return nil, err
		}
		return params.write(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, data)
	case "delete":
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
		return output("deleted", true), nil
	case "exists":
		_, err := os.Stat(path)
		return output("exists", err == nil), nil
	case "mkdir":
		perm, err := params.mode(0o755)
		if err != nil {
			return nil, err
		}
		if params.CreateDirs {
			err = os.MkdirAll(path, perm)
		} else {
			err = os.Mkdir(path, perm)
		}
		if err != nil {
			return nil, err
		}
		return params.produced(state.ArtifactDirectory), nil
	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		names := make([]any, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
			if entry.IsDir() {
				names[i] = entry.Name() + "/"
			}
		}
		return output("entries", names), nil
	default:
		return nil, fmt.Errorf("unsupported operation: %s", params.Operation)
	}
}

func (p FileInput) write(path string, flags int, data []byte) (*workflow.StepResult, error) {
	perm, err := p.mode(0o644)
	if err != nil {
		return nil, err
	}
	if p.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return p.produced(state.ArtifactFile), nil
}

func (p FileInput) mode(fallback fs.FileMode) (fs.FileMode, error) {
	if p.Permissions == "" {
		return fallback, nil
	}
	return parsePermissions(p.Permissions)
}

func (p FileInput) produced(kind state.ArtifactKind) *workflow.StepResult {
	result := output("path", p.Path)
	if p.Artifact != "" {
		result.Artifacts = []workflow.ArtifactOutput{{Name: p.Artifact, Path: p.Path, Kind: kind}}
	}
	return result
}

func output(key string, value any) *workflow.StepResult {
	return &workflow.StepResult{Output: map[string]any{key: value}}
}

// parsePermissions reads an octal mode such as "0755" or "644"
func parsePermissions(perm string) (fs.FileMode, error) {
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q", perm)
	}
	return fs.FileMode(mode), nil
}
