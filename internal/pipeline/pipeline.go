// Package pipeline runs a DAG of stages for one task (spec §4.2), grounded
// on internal/executor/graph.go's Kahn's-algorithm wave calculation and
// internal/executor/wave.go's bounded-concurrency parallel stage execution.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Context is threaded through every stage action (§4.2's "contract of a
// stage action"). Concrete working-directory/spec-directory/plan/event-log
// wiring is supplied by the daemon; this package only needs the fields it
// reads directly.
type Context struct {
	context.Context
	WorkingDir string
	SpecDir    string
}

// Result is a stage's structured outcome.
type Result struct {
	Ok      bool
	Detail  string
	Retryable bool
}

// Action is a stage's work function.
type Action func(ctx *Context) (Result, error)

// Stage is one DAG node (§4.2).
type Stage struct {
	Name          string
	DependsOn     []string
	Condition     func(ctx *Context) bool
	ParallelGroup string
	RetryMax      int
	BackoffMs     int
	Run           Action
}

// Pipeline is a named DAG of stages.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// Built-in pipelines named in §4.2's table. These definitions fix only
// names, dependencies, and retry/parallel shape; the caller assigns each
// returned Stage's Run field before handing the Pipeline to an Engine
// (see internal/cmd/pipeline_run.go for the concrete actions).
func DefaultPipeline() Pipeline {
	return Pipeline{Name: "default", Stages: []Stage{
		{Name: "build", ParallelGroup: "0"},
		{Name: "qa", DependsOn: []string{"build"}, ParallelGroup: "1"},
		{Name: "merge", DependsOn: []string{"qa"}, ParallelGroup: "2"},
	}}
}

func DesignPipeline() Pipeline {
	return Pipeline{Name: "design", Stages: []Stage{
		{Name: "decompose", ParallelGroup: "0"},
	}}
}

func QAOnlyPipeline() Pipeline {
	return Pipeline{Name: "qa_only", Stages: []Stage{
		{Name: "qa", ParallelGroup: "0"},
	}}
}

func MCTSPipeline() Pipeline {
	return Pipeline{Name: "mcts", Stages: []Stage{
		{Name: "mcts_search", ParallelGroup: "0"},
		{Name: "merge_best", DependsOn: []string{"mcts_search"}, ParallelGroup: "1"},
	}}
}

// Waves computes the topological execution order, grouping stages whose
// dependencies are all satisfied by earlier waves into the same wave — the
// same "Kahn's algorithm, group by readiness" idiom as
// internal/executor/graph.go's CalculateWaves.
func Waves(p Pipeline) ([][]Stage, error) {
	byName := make(map[string]Stage, len(p.Stages))
	inDegree := make(map[string]int, len(p.Stages))
	dependents := make(map[string][]string)

	for _, s := range p.Stages {
		byName[s.Name] = s
		inDegree[s.Name] = len(s.DependsOn)
	}
	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("pipeline %s: stage %s depends on unknown stage %s", p.Name, s.Name, dep)
			}
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var waves [][]Stage
	remaining := len(p.Stages)
	ready := map[string]bool{}
	for name, deg := range inDegree {
		if deg == 0 {
			ready[name] = true
		}
	}

	for remaining > 0 {
		if len(ready) == 0 {
			return nil, fmt.Errorf("pipeline %s: cycle detected among stages", p.Name)
		}
		var wave []Stage
		var names []string
		for name := range ready {
			wave = append(wave, byName[name])
			names = append(names, name)
		}
		waves = append(waves, wave)
		remaining -= len(wave)
		ready = map[string]bool{}
		for _, name := range names {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready[dependent] = true
				}
			}
		}
	}

	return waves, nil
}

// Engine runs a pipeline's waves, executing the stages of one wave
// concurrently (bounded by maxParallel), matching
// internal/executor/wave.go's semaphore+WaitGroup+buffered-results idiom.
type Engine struct {
	MaxParallel int
}

// StageOutcome pairs a stage name with its Result (or error).
type StageOutcome struct {
	Stage  string
	Result Result
	Err    error
}

// Run executes every wave in order; within a wave, stages run concurrently.
// A non-retryable failure in any stage of a wave aborts the remaining
// waves but lets the current wave's in-flight stages finish.
func (e *Engine) Run(ctx *Context, p Pipeline) ([]StageOutcome, error) {
	waves, err := Waves(p)
	if err != nil {
		return nil, err
	}

	maxParallel := e.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	var all []StageOutcome
	for _, wave := range waves {
		outcomes := e.runWave(ctx, wave, maxParallel)
		all = append(all, outcomes...)
		for _, o := range outcomes {
			if o.Err != nil || !o.Result.Ok {
				return all, fmt.Errorf("pipeline %s: stage %s failed: %v", p.Name, o.Stage, o.Err)
			}
		}
	}
	return all, nil
}

func (e *Engine) runWave(ctx *Context, wave []Stage, maxParallel int) []StageOutcome {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	results := make(chan StageOutcome, len(wave))

	for _, stage := range wave {
		stage := stage
		if stage.Condition != nil && !stage.Condition(ctx) {
			results <- StageOutcome{Stage: stage.Name, Result: Result{Ok: true, Detail: "skipped: condition false"}}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- StageOutcome{Stage: stage.Name, Err: ctx.Err()}
				return
			}

			res, err := e.runWithRetry(ctx, stage)
			results <- StageOutcome{Stage: stage.Name, Result: res, Err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []StageOutcome
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// retryBackoff returns the delay before retry attempt n (1-based: the delay
// waited before attempt n+1), doubling from a 2s base per §4.1/§4.2's
// "transient-marked failures re-run the same stage with backoff" (2s/4s/8s
// for transient agent errors). A stage with an explicit BackoffMs overrides
// the base.
func retryBackoff(stage Stage, attempt int) time.Duration {
	base := time.Duration(stage.BackoffMs) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func (e *Engine) runWithRetry(ctx *Context, stage Stage) (Result, error) {
	var lastErr error
	attempts := stage.RetryMax
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		res, err := stage.Run(ctx)
		if err == nil && res.Ok {
			return res, nil
		}
		lastErr = err
		if !res.Retryable || attempt == attempts {
			return res, lastErr
		}

		select {
		case <-time.After(retryBackoff(stage, attempt)):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, lastErr
}
