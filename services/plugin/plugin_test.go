package plugin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/bus"
	"webprotect/pkg/metrics"
	"webprotect/services/ledger"
	"webprotect/services/protect"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner copies the input root into the output root, prefixing every
// file with "protected:".
type fakeRunner struct {
	mu         sync.Mutex
	appNames   []string
	inputs     []string
	blueprints []*blueprint.Blueprint
	invokeErr  error
	ensureErr  error
	write      func(outputRoot string) error
}

func (r *fakeRunner) Normalize(bp *blueprint.Blueprint, appName string) (*blueprint.Blueprint, error) {
	r.mu.Lock()
	r.appNames = append(r.appNames, appName)
	r.mu.Unlock()
	return blueprint.Normalize(bp, blueprint.Env{LicenseToken: "T"}, blueprint.Build{AppName: appName, ToolInstalled: true})
}

func (r *fakeRunner) EnsureTool(context.Context) (bool, error) { return false, r.ensureErr }

func (r *fakeRunner) ToolVersion() string { return "7.9.0" }

func (r *fakeRunner) Invoke(_ context.Context, bp *blueprint.Blueprint, _ protect.Options) (protect.Output, error) {
	_, target, ok := bp.Target()
	if !ok {
		return protect.Output{}, errors.New("no target")
	}
	input, _ := target.StringFold(blueprint.KeyInput)
	output, _ := target.StringFold(blueprint.KeyOutputDirectory)

	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	r.blueprints = append(r.blueprints, bp)
	r.mu.Unlock()

	if r.invokeErr != nil {
		return protect.Output{Stdout: "partial"}, r.invokeErr
	}
	if r.write != nil {
		return protect.Output{Stdout: "custom"}, r.write(output)
	}
	err := filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(input, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target := filepath.Join(output, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, append([]byte("protected:"), data...), 0o644)
	})
	return protect.Output{Stdout: "protected", Stderr: "note"}, err
}

type testCompiler struct {
	dir  string
	hook AsyncHook
}

func (c *testCompiler) Context() string     { return c.dir }
func (c *testCompiler) ProcessAssets() Hook { return &c.hook }

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []bus.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.events = append(p.events, v.(bus.RunEvent))
	return nil
}

type recordingRecorder struct {
	mu       sync.Mutex
	started  []ledger.Run
	finished []ledger.Run
}

func (r *recordingRecorder) Start(_ context.Context, run *ledger.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, *run)
	return nil
}

func (r *recordingRecorder) Finish(_ context.Context, run *ledger.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, *run)
	return errors.New("ledger unavailable")
}

func newPlugin(t *testing.T, bp *blueprint.Blueprint, runner Runner, tempDir string) *Plugin {
	t.Helper()
	p, err := New(Config{Blueprint: bp, Runner: runner, TempDir: tempDir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return p
}

func parse(t *testing.T, doc string) *blueprint.Blueprint {
	t.Helper()
	bp, err := blueprint.Parse([]byte(doc))
	require.NoError(t, err)
	return bp
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyEndToEnd(t *testing.T) {
	tempDir := t.TempDir()
	runner := &fakeRunner{write: func(out string) error {
		return os.WriteFile(filepath.Join(out, "bundle.js"), []byte("tool bytes"), 0o644)
	}}
	p := newPlugin(t, parse(t, `{"targets":{"web":{}}}`), runner, tempDir)

	compiler := &testCompiler{dir: t.TempDir()}
	p.Apply(compiler)
	assert.Nil(t, p.Last())

	comp := NewMemoryCompilation(nil, zerolog.Nop())
	require.NoError(t, compiler.hook.Call(context.Background(), comp))

	assert.Equal(t, map[string][]byte{"bundle.js": []byte("tool bytes")}, comp.Assets())
	assertEmptyDir(t, tempDir)

	res := p.Last()
	require.NotNil(t, res)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"bundle.js"}, res.Applied)
}

func TestProcessStagesAndReintegrates(t *testing.T) {
	tempDir := t.TempDir()
	runner := &fakeRunner{}
	p := newPlugin(t, nil, runner, tempDir)

	comp := NewMemoryCompilation(map[string][]byte{
		"main.js":        []byte("main"),
		"static/app.css": []byte("css"),
		"index.html":     []byte("<html/>"),
	}, zerolog.Nop())

	res, err := p.Process(context.Background(), "", comp)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"index.html", "main.js"}, res.Staged)

	sort.Strings(res.Applied)
	assert.Equal(t, []string{"index.html", "main.js"}, res.Applied)
	assert.Equal(t, "protected:main", string(comp.Assets()["main.js"]))
	assert.Equal(t, "css", string(comp.Assets()["static/app.css"]))
	assert.Equal(t, protect.Output{Stdout: "protected", Stderr: "note"}, res.Output)
	assertEmptyDir(t, tempDir)
}

func TestProcessNativeScriptLayout(t *testing.T) {
	tempDir := t.TempDir()
	var staged []string
	runner := &fakeRunner{}
	runner.write = func(out string) error {
		input := runner.inputs[0]
		return filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(input, path)
			staged = append(staged, filepath.ToSlash(rel))
			target := filepath.Join(out, rel)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.WriteFile(target, []byte("ns"), 0o644)
		})
	}
	p := newPlugin(t, parse(t, `{"globalConfiguration":{"TargetType":"NativeScript-Android"}}`), runner, tempDir)
	assert.Equal(t, "nativescript-android", p.TargetType())

	comp := NewMemoryCompilation(map[string][]byte{"bundle.js": []byte("b")}, zerolog.Nop())
	res, err := p.Process(context.Background(), "", comp)
	require.NoError(t, err)

	assert.Equal(t, []string{"assets/app/bundle.js"}, staged)
	assert.Equal(t, []string{"bundle.js"}, res.Applied)
	assert.Equal(t, "ns", string(comp.Assets()["bundle.js"]))
}

func TestProcessAppNameFromPackageJSON(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "package.json"), []byte(`{"name":"storefront"}`), 0o644))
	runner := &fakeRunner{}
	p := newPlugin(t, nil, runner, t.TempDir())

	_, err := p.Process(context.Background(), project, NewMemoryCompilation(nil, zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, []string{"storefront"}, runner.appNames)

	gc, ok := runner.blueprints[0].GlobalConfiguration()
	require.True(t, ok)
	appID, _ := gc.StringFold(blueprint.KeyAppID)
	assert.Equal(t, "storefront", appID)
}

func TestProcessInvalidPackageJSONFails(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "package.json"), []byte(`{`), 0o644))
	runner := &fakeRunner{}
	p := newPlugin(t, nil, runner, t.TempDir())

	res, err := p.Process(context.Background(), project, NewMemoryCompilation(nil, zerolog.Nop()))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, runner.inputs)
}

func TestFailurePathCallsDoneOnceAndCleansUp(t *testing.T) {
	tests := []struct {
		name     string
		bp       string
		runner   *fakeRunner
		failedIn State
	}{
		{
			name:     "multiple targets",
			bp:       `{"targets":{"a":{},"b":{}}}`,
			runner:   &fakeRunner{},
			failedIn: StateNormalizing,
		},
		{
			name:     "install failure",
			bp:       `{}`,
			runner:   &fakeRunner{ensureErr: errors.New("download failed")},
			failedIn: StateInstalling,
		},
		{
			name:     "tool failure",
			bp:       `{}`,
			runner:   &fakeRunner{invokeErr: &protect.InvocationError{Stdout: "partial", Stderr: "bad license"}},
			failedIn: StateInvoking,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			p := newPlugin(t, parse(t, tt.bp), tt.runner, tempDir)

			var calls int
			var got error
			var wg sync.WaitGroup
			wg.Add(1)
			hook := &AsyncHook{}
			p.Apply(&hookCompiler{hook: hook})
			comp := NewMemoryCompilation(map[string][]byte{"main.js": []byte("main")}, zerolog.Nop())
			for _, tp := range hook.taps {
				tp.fn(context.Background(), comp, func(err error) {
					calls++
					got = err
					wg.Done()
				})
			}
			wg.Wait()

			require.Error(t, got)
			assert.Equal(t, 1, calls)
			assert.Equal(t, "main", string(comp.Assets()["main.js"]))
			assert.Empty(t, comp.Updated())
			assertEmptyDir(t, tempDir)

			res, err := p.Process(context.Background(), "", comp)
			require.Error(t, err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.failedIn, res.FailedIn)
		})
	}
}

func TestHookCallStopsWhenContextDone(t *testing.T) {
	hook := &AsyncHook{}
	var late func(error)
	hook.TapAsync("stuck", func(_ context.Context, _ Compilation, done func(error)) {
		late = done
	})
	ranNext := false
	hook.TapAsync("next", func(_ context.Context, _ Compilation, done func(error)) {
		ranNext = true
		done(nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hook.Call(ctx, NewMemoryCompilation(nil, zerolog.Nop()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stuck")
	assert.False(t, ranNext)

	require.NotNil(t, late)
	late(nil)
}

type hookCompiler struct {
	hook *AsyncHook
}

func (c *hookCompiler) Context() string     { return "" }
func (c *hookCompiler) ProcessAssets() Hook { return c.hook }

func TestProcessEmitsEventsRecordsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	events := &recordingPublisher{}
	recorder := &recordingRecorder{}

	p, err := New(Config{
		Runner:   &fakeRunner{},
		TempDir:  t.TempDir(),
		Host:     "ci-1",
		Logger:   zerolog.Nop(),
		Metrics:  m,
		Events:   events,
		Recorder: recorder,
	})
	require.NoError(t, err)

	comp := NewMemoryCompilation(map[string][]byte{"main.js": []byte("main")}, zerolog.Nop())
	res, err := p.Process(context.Background(), "", comp)
	require.NoError(t, err)

	assert.Equal(t, []string{bus.SubjectRunStarted, bus.SubjectRunFinished}, events.subjects)
	assert.Equal(t, res.RunID.String(), events.events[1].RunID)
	assert.Equal(t, ledger.StatusSuccess, events.events[1].Status)
	assert.Equal(t, 1, events.events[1].Assets)

	require.Len(t, recorder.started, 1)
	require.Len(t, recorder.finished, 1)
	assert.Equal(t, ledger.StatusRunning, recorder.started[0].Status)
	assert.Equal(t, "ci-1", recorder.finished[0].Host)
	assert.Equal(t, "7.9.0", recorder.finished[0].ToolVersion)
	assert.NotNil(t, recorder.finished[0].FinishedAt)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "webprotect_runs_total")
	assert.Contains(t, names, "webprotect_stage_duration_seconds")
}

func TestConcurrentPassesUseDistinctRoots(t *testing.T) {
	bp := parse(t, `{"targets":{"web":{"input":"/shared"}}}`)
	runner := &fakeRunner{}
	p := newPlugin(t, bp, runner, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comp := NewMemoryCompilation(map[string][]byte{"main.js": []byte("main")}, zerolog.Nop())
			_, err := p.Process(context.Background(), "", comp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, input := range runner.inputs {
		assert.NotEqual(t, "/shared", input)
		assert.False(t, seen[input], input)
		seen[input] = true
	}
	assert.Len(t, seen, 4)

	_, target, ok := p.blueprint.Target()
	require.True(t, ok)
	_, has := target.Lookup(blueprint.KeyInput)
	assert.False(t, has)
	_, has = target.Lookup(blueprint.KeyOutputDirectory)
	assert.False(t, has)
}

func TestDirCompilerWritesBack(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dist, "js"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "js", "app.js"), []byte("app"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dist, "logo.png"), []byte("png"), 0o644))

	compiler, err := NewDirCompiler(t.TempDir(), dist, zerolog.Nop())
	require.NoError(t, err)
	newPlugin(t, nil, &fakeRunner{}, t.TempDir()).Apply(compiler)

	comp, err := compiler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"js/app.js"}, comp.Updated())

	data, err := os.ReadFile(filepath.Join(dist, "js", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "protected:app", string(data))
	data, err = os.ReadFile(filepath.Join(dist, "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestDirCompilerReportsFailure(t *testing.T) {
	dist := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dist, "app.js"), []byte("app"), 0o644))
	compiler, err := NewDirCompiler("", dist, zerolog.Nop())
	require.NoError(t, err)
	p := newPlugin(t, nil, &fakeRunner{invokeErr: errors.New("tool crashed")}, t.TempDir())
	p.Apply(compiler)

	_, err = compiler.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), Name)
	assert.Contains(t, err.Error(), "tool crashed")

	res := p.Last()
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateInvoking, res.FailedIn)

	data, err := os.ReadFile(filepath.Join(dist, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "app", string(data))
}

func TestNewDirCompilerValidation(t *testing.T) {
	_, err := NewDirCompiler("", "", zerolog.Nop())
	require.Error(t, err)
	_, err = NewDirCompiler("", filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	require.Error(t, err)
}

func TestNewRequiresRunner(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reintegrating", StateReintegrating.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
