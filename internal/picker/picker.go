// Package picker runs the platform file chooser as a subprocess.
package picker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

// Result is returned to the database/pick caller.
type Result struct {
	Success   bool   `json:"success"`
	Path      string `json:"path,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Pick runs argv and returns the first line it prints as the chosen path.
// A non-zero exit status means the user dismissed the dialog.
func Pick(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("no file picker configured")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		logx.Log.Debug().Int("code", exitErr.ExitCode()).Str("stderr", strings.TrimSpace(stderr.String())).Msg("file picker cancelled")
		return Result{Success: false, Cancelled: true}, nil
	case err != nil:
		return Result{}, fmt.Errorf("run file picker %s: %w", argv[0], err)
	}
	path, _, _ := strings.Cut(stdout.String(), "\n")
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{Success: false, Cancelled: true}, nil
	}
	return Result{Success: true, Path: path}, nil
}
