package plugin

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/bus"
	"webprotect/pkg/metrics"
	"webprotect/pkg/telemetry"
	"webprotect/services/assets"
	"webprotect/services/ledger"
	"webprotect/services/protect"
)

// Name is the tap name registered on the host hook.
const Name = "WebAppProtectionPlugin"

// Runner normalizes blueprints and runs the protection tool.
// *protect.Protector implements it.
type Runner interface {
	Normalize(bp *blueprint.Blueprint, appName string) (*blueprint.Blueprint, error)
	EnsureTool(ctx context.Context) (bool, error)
	Invoke(ctx context.Context, bp *blueprint.Blueprint, opts protect.Options) (protect.Output, error)
	ToolVersion() string
}

// Config configures a Plugin. Only Runner is required.
type Config struct {
	// Blueprint is the user's blueprint. Nil selects blueprint.Default().
	Blueprint *blueprint.Blueprint
	Runner    Runner
	Options   protect.Options
	// TempDir holds the per-pass staging roots.
	TempDir string
	Host    string

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Events   bus.Publisher
	Recorder ledger.Writer
}

// Plugin adapts one protection pass to each build pass of a host.
type Plugin struct {
	blueprint  *blueprint.Blueprint
	targetType string
	runner     Runner
	opts       protect.Options
	tempDir    string
	host       string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	events     bus.Publisher
	recorder   ledger.Writer

	last atomic.Pointer[Result]
}

// Result describes a finished pass.
type Result struct {
	RunID uuid.UUID
	App   string
	State State
	// FailedIn is the state the pass failed in, when State is StateFailed.
	FailedIn State
	Staged   []string
	Applied  []string
	Output   protect.Output
}

// New validates cfg and returns a Plugin.
func New(cfg Config) (*Plugin, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	bp := cfg.Blueprint
	if bp == nil {
		bp = blueprint.Default()
	} else {
		bp = bp.Clone()
		blueprint.StripTargetFields(bp)
	}
	return &Plugin{
		blueprint:  bp,
		targetType: bp.TargetType(),
		runner:     cfg.Runner,
		opts:       cfg.Options,
		tempDir:    cfg.TempDir,
		host:       cfg.Host,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		recorder:   cfg.Recorder,
	}, nil
}

// TargetType is the lowercased target type the plugin stages for.
func (p *Plugin) TargetType() string { return p.targetType }

// Apply registers the plugin on the compiler's asset-processing hook. The
// result of each pass is available from Last once done has been called.
func (p *Plugin) Apply(c Compiler) {
	projectDir := c.Context()
	c.ProcessAssets().TapAsync(Name, func(ctx context.Context, comp Compilation, done func(error)) {
		go func() {
			res, err := p.Process(ctx, projectDir, comp)
			p.last.Store(res)
			done(err)
		}()
	})
}

// Last returns the result of the most recent pass started through Apply, or
// nil if none has finished.
func (p *Plugin) Last() *Result { return p.last.Load() }

// Process runs one pass over comp: stage, normalize, install, invoke and
// reintegrate. Staging roots are removed before it returns.
func (p *Plugin) Process(ctx context.Context, projectDir string, comp Compilation) (res *Result, err error) {
	run := &ledger.Run{
		ID:          uuid.New(),
		TargetType:  p.targetType,
		ToolVersion: p.runner.ToolVersion(),
		Host:        p.host,
		Status:      ledger.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	res = &Result{RunID: run.ID, State: StateIdle}

	ctx, span := telemetry.Tracer().Start(ctx, "plugin.pass", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("target.type", p.targetType),
	))
	defer span.End()

	logger := telemetry.WithTrace(ctx, p.logger).With().Str("run_id", run.ID.String()).Logger()

	defer func() {
		if err != nil {
			res.FailedIn = res.State
			res.State = StateFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			res.State = StateDone
		}
		p.finish(ctx, run, res, err, logger)
	}()

	appName, err := readAppName(projectDir)
	if err != nil {
		return res, err
	}
	run.App = appName
	res.App = appName
	p.begin(ctx, run, logger)

	ws, err := assets.NewWorkspace(p.tempDir, p.targetType)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("remove staging roots")
		}
	}()

	err = p.step(ctx, res, StateStaging, func(ctx context.Context) error {
		staged, err := assets.Stage(ctx, comp, comp.AssetNames(), ws.InputDir())
		res.Staged = staged
		p.metrics.Assets("staged", len(staged))
		return err
	})
	if err != nil {
		return res, err
	}

	var normalized *blueprint.Blueprint
	err = p.step(ctx, res, StateNormalizing, func(context.Context) error {
		var err error
		normalized, err = p.runner.Normalize(p.blueprint, appName)
		if err != nil {
			return err
		}
		return blueprint.ApplyStaging(normalized, ws.InputRoot, ws.OutputRoot)
	})
	if err != nil {
		return res, err
	}

	err = p.step(ctx, res, StateInstalling, func(ctx context.Context) error {
		installed, err := p.runner.EnsureTool(ctx)
		if installed {
			logger.Info().Str("version", p.runner.ToolVersion()).Msg("protection tool installed")
		}
		return err
	})
	if err != nil {
		return res, err
	}

	err = p.step(ctx, res, StateInvoking, func(ctx context.Context) error {
		out, err := p.runner.Invoke(ctx, normalized, p.opts)
		res.Output = out
		return err
	})
	if err != nil {
		return res, err
	}

	err = p.step(ctx, res, StateReintegrating, func(ctx context.Context) error {
		applied, err := assets.Reintegrate(ctx, ws.OutputDir(), comp)
		res.Applied = applied
		p.metrics.Assets("reintegrated", len(applied))
		return err
	})
	if err != nil {
		return res, err
	}

	compLogger := comp.Logger()
	compLogger.Info().Msg(res.Output.Stdout)
	if res.Output.Stderr != "" {
		compLogger.Info().Msg(res.Output.Stderr)
	}
	return res, nil
}

func (p *Plugin) step(ctx context.Context, res *Result, state State, fn func(context.Context) error) error {
	res.State = state
	ctx, span := telemetry.Tracer().Start(ctx, "plugin."+state.String())
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.Stage(state.String(), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Plugin) begin(ctx context.Context, run *ledger.Run, logger zerolog.Logger) {
	if p.recorder != nil {
		if err := p.recorder.Start(ctx, run); err != nil {
			logger.Warn().Err(err).Msg("record run start")
		}
	}
	p.publish(ctx, bus.SubjectRunStarted, run, logger)
}

func (p *Plugin) finish(ctx context.Context, run *ledger.Run, res *Result, err error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	finishedAt := time.Now().UTC()
	run.FinishedAt = &finishedAt
	run.Assets = len(res.Applied)
	run.Meta = map[string]any{"staged": len(res.Staged)}
	if err != nil {
		run.Status = ledger.StatusFailed
		run.Error = err.Error()
		run.Meta["failed_in"] = res.FailedIn.String()
		logger.Error().Err(err).Str("state", res.FailedIn.String()).Msg("protection pass failed")
	} else {
		run.Status = ledger.StatusSuccess
		logger.Info().
			Int("staged", len(res.Staged)).
			Int("applied", len(res.Applied)).
			Dur("duration", finishedAt.Sub(run.StartedAt)).
			Msg("protection pass finished")
	}
	p.metrics.Run(run.Status)

	if p.recorder != nil {
		if rerr := p.recorder.Finish(ctx, run); rerr != nil {
			logger.Warn().Err(rerr).Msg("record run finish")
		}
	}
	p.publish(ctx, bus.SubjectRunFinished, run, logger)
}

func (p *Plugin) publish(ctx context.Context, subject string, run *ledger.Run, logger zerolog.Logger) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, subject, run.Event()); err != nil {
		logger.Warn().Err(err).Str("subject", subject).Msg("publish run event")
	}
}
