// Package execrunner centralizes every subprocess invocation Portalcrane
// makes (skopeo, trivy, the registry binary) behind one call so that
// env-var propagation, output capture, and cancellation are handled
// uniformly instead of scattered across callers.
package execrunner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"log/slog"

	"github.com/portalcrane/portalcrane/pkg/logger"
)

// Request describes one subprocess invocation.
type Request struct {
	Argv     []string
	Env      []string      // extra KEY=VALUE pairs appended to os.Environ()
	Dir      string        // working directory, optional
	Stdin    []byte        // optional stdin payload
	Deadline time.Duration // zero means no deadline
}

// Result captures everything callers need to interpret a finished subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes req, honoring ctx cancellation and req.Deadline (whichever
// fires first), and returns the captured output regardless of exit code;
// callers decide what a non-zero exit means for their pipeline step.
func Run(ctx context.Context, req Request) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	if len(req.Argv) == 0 {
		return Result{}, &exec.Error{Name: "", Err: exec.ErrNotFound}
	}

	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)

	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Log(ctx, slog.LevelDebug, "running subprocess", slog.String("argv0", req.Argv[0]), slog.Any("args", req.Argv[1:]))

	runErr := cmd.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			// Killed at the deadline or on cancellation: the partial output
			// is discarded and the context error is returned.
			logger.Log(ctx, slog.LevelError, "subprocess killed at deadline or on cancellation", logger.Err(ctxErr), slog.String("argv0", req.Argv[0]))
			return Result{ExitCode: result.ExitCode}, ctxErr
		}
		if _, ok := runErr.(*exec.ExitError); ok {
			// Non-zero exit is not itself an error at this layer; the caller
			// interprets exit codes (trivy's 1 means "findings", not failure).
			return result, nil
		}
		logger.Log(ctx, slog.LevelError, "subprocess failed to start or was killed", logger.Err(runErr), slog.String("argv0", req.Argv[0]))
		return result, runErr
	}

	return result, nil
}

// ProxyEnv builds the HTTP_PROXY/HTTPS_PROXY/NO_PROXY env overrides that
// must be propagated into every skopeo/trivy invocation so staging pulls
// can reach Docker Hub through the appliance's configured proxy.
func ProxyEnv(httpProxy, httpsProxy, noProxy string) []string {
	var env []string
	if httpProxy != "" {
		env = append(env, "HTTP_PROXY="+httpProxy, "http_proxy="+httpProxy)
	}
	if httpsProxy != "" {
		env = append(env, "HTTPS_PROXY="+httpsProxy, "https_proxy="+httpsProxy)
	}
	if noProxy != "" {
		env = append(env, "NO_PROXY="+noProxy, "no_proxy="+noProxy)
	}
	return env
}
