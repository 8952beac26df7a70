package protect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/telemetry"
)

const (
	// DefaultBufferSize bounds each captured output stream.
	DefaultBufferSize = 1024 * 50000

	// InvocationMarker is set in the tool's environment to tell it the run
	// was started by the build integration.
	InvocationMarker = "SJS_NPM_INVOCATION"

	blueprintSuffix = ".blueprint"
	killGrace       = 5 * time.Second
)

// Options tunes a single invocation.
type Options struct {
	Verbose bool
	// BufferSize caps stdout and stderr each, in bytes. Zero means DefaultBufferSize.
	BufferSize int
}

// Output is what the tool printed on a successful run.
type Output struct {
	Stdout string
	Stderr string
}

// Controller runs the protection tool against a blueprint.
type Controller struct {
	binary  string
	tempDir string
	logger  zerolog.Logger
}

// NewController returns a Controller for the tool at binary. Blueprint files
// are written under tempDir, or the system temp dir when empty.
func NewController(binary, tempDir string, logger zerolog.Logger) (*Controller, error) {
	if binary == "" {
		return nil, errors.New("tool binary is required")
	}
	return &Controller{binary: binary, tempDir: tempDir, logger: logger}, nil
}

// Invoke serialises bp to a temporary blueprint file and runs the tool on it.
func (c *Controller) Invoke(ctx context.Context, bp *blueprint.Blueprint, opts Options) (Output, error) {
	if bp == nil {
		return Output{}, errors.New("blueprint is required")
	}
	limit := opts.BufferSize
	if limit <= 0 {
		limit = DefaultBufferSize
	}

	ctx, span := telemetry.Tracer().Start(ctx, "protect.invoke", trace.WithAttributes(
		attribute.Bool("verbose", opts.Verbose),
		attribute.Int("buffer_size", limit),
	))
	defer span.End()

	path, err := c.writeBlueprint(bp)
	if err != nil {
		span.RecordError(err)
		return Output{}, err
	}
	defer os.Remove(path)

	args := []string{"--blueprint", path}
	if opts.Verbose {
		args = append(args, "--verbose")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	overflow := &overflowSignal{cancel: cancel}
	stdout := &limitedWriter{w: &stdoutBuf, max: limit, overflow: overflow}
	stderr := &limitedWriter{w: &stderrBuf, max: limit, overflow: overflow}

	cmd := exec.CommandContext(runCtx, c.binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// The marker is scoped to this child; the parent environment is untouched.
	cmd.Env = append(os.Environ(), InvocationMarker+"=true")
	cmd.WaitDelay = killGrace

	logger := telemetry.WithTrace(ctx, c.logger)
	logger.Debug().Str("binary", c.binary).Strs("args", args).Msg("invoking protection tool")

	runErr := cmd.Run()
	out := Output{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	if overflow.tripped() {
		err := &BufferOverflowError{Stdout: out.Stdout, Limit: limit}
		span.RecordError(err)
		span.SetStatus(codes.Error, "buffer overflow")
		return Output{}, err
	}
	if runErr != nil {
		invErr := &InvocationError{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: -1, Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			invErr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			invErr.Err = fmt.Errorf("%w: %v", ctxErr, runErr)
		}
		span.RecordError(invErr)
		span.SetStatus(codes.Error, "tool failed")
		span.SetAttributes(attribute.Int("exit_code", invErr.ExitCode))
		return Output{}, invErr
	}

	return out, nil
}

func (c *Controller) writeBlueprint(bp *blueprint.Blueprint) (string, error) {
	data, err := bp.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode blueprint: %w", err)
	}
	file, err := os.CreateTemp(c.tempDir, "webprotect-*"+blueprintSuffix)
	if err != nil {
		return "", fmt.Errorf("create blueprint file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write blueprint file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close blueprint file: %w", err)
	}
	return file.Name(), nil
}

// overflowSignal is shared by both stream writers; the first overflow kills the child.
type overflowSignal struct {
	once   sync.Once
	mu     sync.Mutex
	hit    bool
	cancel context.CancelFunc
}

func (o *overflowSignal) trip() {
	o.once.Do(func() {
		o.mu.Lock()
		o.hit = true
		o.mu.Unlock()
		o.cancel()
	})
}

func (o *overflowSignal) tripped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hit
}

// limitedWriter keeps at most max bytes and trips overflow past that.
type limitedWriter struct {
	w        io.Writer
	max      int
	written  int
	overflow *overflowSignal
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.max - lw.written
	if n > remaining {
		if remaining > 0 {
			written, err := lw.w.Write(p[:remaining])
			lw.written += written
			if err != nil {
				return written, err
			}
		}
		lw.overflow.trip()
		return n, nil
	}
	written, err := lw.w.Write(p)
	lw.written += written
	return written, err
}
