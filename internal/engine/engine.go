package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/roach88/canary/internal/engine"

// Engine runs a fixed, ordered list of stages.
//
// Stage i+1 starts only after stage i passed. A run may be truncated at a
// target stage; stages after the stop point (target or first failure) are
// recorded as skipped, never omitted. The engine never retries a stage:
// retries belong inside stage functions.
//
// INVARIANTS:
//   - stage order NEVER changes after construction
//   - stage IDs are unique and non-empty
type Engine struct {
	stages []Stage
	index  map[StageID]int
	clock  *Clock
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithNow overrides the wall clock used for timings.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine. The stages slice is copied so later mutation by the
// caller cannot reorder a running pipeline.
func New(stages []Stage, opts ...Option) (*Engine, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline must define at least one stage")
	}
	e := &Engine{
		stages: make([]Stage, len(stages)),
		index:  make(map[StageID]int, len(stages)),
		clock:  NewClock(),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	copy(e.stages, stages)
	for i, s := range e.stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage %d has no id", i)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %s has no function", s.ID)
		}
		if _, dup := e.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id: %s", s.ID)
		}
		e.index[s.ID] = i
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Stages returns the stage list in execution order.
func (e *Engine) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// Last returns the ID of the final stage.
func (e *Engine) Last() StageID {
	return e.stages[len(e.stages)-1].ID
}

// Resolve maps a checkpoint name to a stage ID. "full" and "" mean the last stage.
func (e *Engine) Resolve(target string) (StageID, error) {
	if target == "" || target == FullTarget {
		return e.Last(), nil
	}
	id := StageID(target)
	if _, ok := e.index[id]; !ok {
		return "", fmt.Errorf("unknown stage %q", target)
	}
	return id, nil
}

// Execute runs stages from the first up to and including target, or up to
// the first failure, whichever comes first. Target accepts the same names as
// Resolve, so FullTarget runs every stage.
func (e *Engine) Execute(ctx context.Context, rc *RunContext, target StageID) RunOutcome {
	out := RunOutcome{RunID: rc.RunID, Target: target, Started: e.now()}
	defer func() { out.Duration = e.now().Sub(out.Started) }()

	resolved, err := e.Resolve(string(target))
	if err != nil {
		out.Err = err
		out.Results = e.skipFrom(0)
		return out
	}
	out.Target = resolved
	stop := e.index[resolved]
	out.Truncated = stop < len(e.stages)-1

	for i, stage := range e.stages {
		if i > stop {
			out.Results = append(out.Results, e.skipped(stage.ID))
			continue
		}
		if err := ctx.Err(); err != nil {
			out.Err = err
			out.Results = append(out.Results, e.skipFrom(i)...)
			return out
		}

		result := e.runStage(ctx, rc, stage)
		out.Results = append(out.Results, result)
		if result.Status == StatusFailed {
			out.Results = append(out.Results, e.skipFrom(i+1)...)
			return out
		}
	}
	return out
}

func (e *Engine) runStage(ctx context.Context, rc *RunContext, stage Stage) StageResult {
	logger := rc.Logger.With("stage", stage.ID)
	ctx, span := e.tracer.Start(ctx, "stage "+string(stage.ID),
		trace.WithAttributes(
			attribute.String("canary.stage", string(stage.ID)),
			attribute.String("canary.run_id", rc.RunID),
		))
	defer span.End()

	started := e.now()
	logger.Info("stage started", "description", stage.Description)

	err := e.call(ctx, rc, stage)

	result := StageResult{
		Seq:      e.clock.Next(),
		StageID:  stage.ID,
		Status:   StatusPassed,
		Started:  started,
		Duration: e.now().Sub(started),
	}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Error)
		logger.Error("stage failed", "duration", result.Duration, "kind", KindOf(err), "error", err)
		return result
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("stage passed", "duration", result.Duration)
	return result
}

// call runs the stage function, converting a panic into an error so one bad
// stage cannot take the report down with it.
func (e *Engine) call(ctx context.Context, rc *RunContext, stage Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.ID, r)
		}
	}()
	return stage.Run(ctx, rc)
}

func (e *Engine) skipped(id StageID) StageResult {
	return StageResult{Seq: e.clock.Next(), StageID: id, Status: StatusSkipped}
}

func (e *Engine) skipFrom(i int) []StageResult {
	var out []StageResult
	for _, s := range e.stages[i:] {
		out = append(out, e.skipped(s.ID))
	}
	return out
}
