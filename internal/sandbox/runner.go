package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/parlorhq/parlor/internal/mcp"
)

// executionTimeout is the wall clock limit for one script run.
const executionTimeout = 120 * time.Second

// outputLimit bounds the combined output returned to the model.
const outputLimit = 64 * 1024

// CatalogSource supplies the current tool catalog for workspace synthesis.
type CatalogSource interface {
	GetAllTools(ctx context.Context) []mcp.ServerTools
}

// Runner executes model-written scripts: it synthesizes a workspace from the
// live tool catalog, starts a tool bridge, and runs the script under node
// with a wall clock limit.
type Runner struct {
	node    string
	caller  ToolCaller
	catalog CatalogSource
	logger  *slog.Logger
	timeout time.Duration
}

// NewRunner builds a runner. node may be empty to resolve from PATH.
func NewRunner(node string, caller ToolCaller, catalog CatalogSource) *Runner {
	if node == "" {
		node = "node"
	}
	return &Runner{
		node:    node,
		caller:  caller,
		catalog: catalog,
		logger:  slog.Default().With("component", "sandbox"),
		timeout: executionTimeout,
	}
}

// Available reports whether the node binary can be found.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.node)
	return err == nil
}

// Version reports the node runtime version, e.g. "v22.11.0".
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.node, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("node --version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Execute runs one script and returns its combined output. The script's
// process tree is killed when the deadline passes or ctx is cancelled.
func (r *Runner) Execute(ctx context.Context, code string) (string, error) {
	dir, err := os.MkdirTemp("", "parlor-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := PrepareWorkspace(dir, r.catalog.GetAllTools(ctx)); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "main.mjs"), []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}

	bridge := NewBridge(r.caller)
	port, err := bridge.Start()
	if err != nil {
		return "", err
	}
	defer bridge.Stop()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.node, "main.mjs")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", bridgeEnvVar, port))
	// The script runs in its own process group so cancellation reaches
	// children the script spawned, not just node itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	r.logger.Info("script executed", "duration", elapsed, "error", runErr != nil)

	output := combineOutput(stdout.String(), stderr.String())

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("execution timed out after %s", r.timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if output == "" {
				output = "(no output)"
			}
			return "", fmt.Errorf("script exited with code %d:\n%s", exitErr.ExitCode(), output)
		}
		return "", fmt.Errorf("run script: %w", runErr)
	}
	if output == "" {
		output = "(no output)"
	}
	return output, nil
}

// combineOutput merges stdout with filtered stderr and applies the size cap.
func combineOutput(stdout, stderr string) string {
	stderr = filterNodeNoise(stderr)
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	out = strings.TrimRight(out, "\n")
	if len(out) > outputLimit {
		out = out[:outputLimit] + "\n[output truncated]"
	}
	return out
}

// filterNodeNoise drops node's experimental feature warnings, which show up
// on stderr for plain ESM execution on some versions.
func filterNodeNoise(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(line, "ExperimentalWarning") ||
			strings.Contains(line, "--trace-warnings") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
