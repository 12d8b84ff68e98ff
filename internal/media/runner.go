// Package media wraps the external media tool (ffmpeg/ffprobe) behind a
// narrow facade: version, probe, silence detection, sample-exact cuts, raw
// PCM decode and filtergraph renders. Everything else in the pipeline treats
// audio as opaque files.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner executes external commands. The default implementation shells out;
// tests substitute a fake.
type Runner interface {
	// CombinedOutput runs the command and returns stdout+stderr together.
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
	// Output runs the command and returns stdout and stderr separately.
	// stderr is returned even on failure so diagnostic streams can be parsed.
	Output(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// OSRunner runs commands on the host. Cancellation kills the subprocess.
type OSRunner struct{}

func (OSRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, classifyExecErr(name, err)
	}
	return out, nil
}

func (OSRunner) Output(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), classifyExecErr(name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// ErrToolNotFound marks a missing external binary.
var ErrToolNotFound = errors.New("tool not found")

func classifyExecErr(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return err
}

// NormalizePath returns the canonical POSIX form of a path for handing to
// external services. Services receive forward slashes regardless of host.
func NormalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return filepath.ToSlash(abs)
}

// firstLine trims a multi-line tool banner down to its first line.
func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
