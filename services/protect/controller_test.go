package protect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/config"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a shell script")
	}
}

// fakeTool writes an executable shell script and returns its path.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protect-web")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testBlueprint(t *testing.T) *blueprint.Blueprint {
	t.Helper()
	bp, err := blueprint.Parse([]byte(`{"globalConfiguration":{"ephemeralMode":"T"},"targets":{"web":{"input":"in","output":"out"}}}`))
	require.NoError(t, err)
	return bp
}

func newTestController(t *testing.T, binary string) *Controller {
	t.Helper()
	c, err := NewController(binary, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestInvokeSuccess(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "args: $*"
cat "$2"
echo
echo "warning" >&2`)

	out, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "args: --blueprint ")
	assert.NotContains(t, out.Stdout, "--verbose")
	assert.Contains(t, out.Stdout, `"ephemeralMode":"T"`)
	assert.Equal(t, "warning\n", out.Stderr)
}

func TestInvokeVerboseFlag(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "$3"`)

	out, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{Verbose: true})
	require.NoError(t, err)
	assert.Equal(t, "--verbose\n", out.Stdout)
}

func TestInvokeRemovesBlueprintFile(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "$2"`)
	tempDir := t.TempDir()
	c, err := NewController(tool, tempDir, zerolog.Nop())
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), testBlueprint(t), Options{})
	require.NoError(t, err)

	path := strings.TrimSpace(out.Stdout)
	assert.Equal(t, tempDir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".blueprint"))
	assert.NoFileExists(t, path)
}

func TestInvokeMarkerScopedToChild(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "marker=$SJS_NPM_INVOCATION"`)

	out, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, "marker=true\n", out.Stdout)

	_, set := os.LookupEnv(InvocationMarker)
	assert.False(t, set)
}

func TestInvokeFailureUsesStderr(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "summary"
echo "license expired" >&2
exit 3`)

	_, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, 3, invErr.ExitCode)
	assert.False(t, invErr.Internal())
	assert.Equal(t, "summary\n\nlicense expired\n", err.Error())
}

func TestInvokeFailureWithoutStderrIsInternal(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `echo "partial"
exit 1`)

	_, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.True(t, invErr.Internal())
	assert.Equal(t, "partial\n\nInternal error. Please contact "+config.SupportEmail+" for help resolving this issue.", err.Error())
}

func TestInvokeBufferOverflow(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `yes protect | head -c 200000`)

	_, err := newTestController(t, tool).Invoke(context.Background(), testBlueprint(t), Options{BufferSize: 1024})
	var overflow *BufferOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, 1024, overflow.Limit)
	assert.Len(t, overflow.Stdout, 1024)
	assert.True(t, strings.HasSuffix(err.Error(), "\n"+BufferOverflowMessage))
	assert.False(t, overflow.Internal())
}

func TestInvokeMissingBinary(t *testing.T) {
	c := newTestController(t, filepath.Join(t.TempDir(), "missing"))
	_, err := c.Invoke(context.Background(), testBlueprint(t), Options{})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, -1, invErr.ExitCode)
	assert.True(t, invErr.Internal())
}

func TestInvokeCanceledContext(t *testing.T) {
	skipOnWindows(t)
	tool := fakeTool(t, `exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestController(t, tool).Invoke(ctx, testBlueprint(t), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController("", "", zerolog.Nop())
	require.Error(t, err)

	c := newTestController(t, "tool")
	_, err = c.Invoke(context.Background(), nil, Options{})
	require.Error(t, err)
}

func TestLimitedWriterTripsOnce(t *testing.T) {
	var trips int
	signal := &overflowSignal{cancel: func() { trips++ }}
	var buf strings.Builder
	w := &limitedWriter{w: &buf, max: 4, overflow: signal}

	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = w.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = w.Write([]byte("h"))
	require.NoError(t, err)

	assert.Equal(t, "abcd", buf.String())
	assert.Equal(t, 1, trips)
	assert.True(t, signal.tripped())
}

func TestIsInternal(t *testing.T) {
	assert.False(t, IsInternal(nil))
	assert.True(t, IsInternal(errors.New("boom")))
	assert.False(t, IsInternal(&BufferOverflowError{}))
	assert.False(t, IsInternal(fmt.Errorf("wrapped: %w", &InvocationError{Stderr: "bad"})))
	assert.True(t, IsInternal(&InvocationError{}))
	assert.False(t, IsInternal(&blueprint.LicenseConfigurationError{Reason: blueprint.ReasonMissingLicense}))
}
