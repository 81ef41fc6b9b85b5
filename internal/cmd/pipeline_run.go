package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/akfldk1028/taskdaemon/internal/agent"
	"github.com/akfldk1028/taskdaemon/internal/claude"
	"github.com/akfldk1028/taskdaemon/internal/consolelog"
	"github.com/akfldk1028/taskdaemon/internal/eventlog"
	"github.com/akfldk1028/taskdaemon/internal/execpolicy"
	"github.com/akfldk1028/taskdaemon/internal/fileutil"
	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/akfldk1028/taskdaemon/internal/pipeline"
	"github.com/akfldk1028/taskdaemon/internal/planstore"
	"github.com/akfldk1028/taskdaemon/internal/qa"
	"github.com/akfldk1028/taskdaemon/internal/session"
	"github.com/akfldk1028/taskdaemon/internal/specfactory"
	"github.com/akfldk1028/taskdaemon/internal/validator"
	"github.com/akfldk1028/taskdaemon/internal/worktree"
	"github.com/spf13/cobra"
)

// NewPipelineCommand creates the `taskdaemon pipeline` command group. The
// Task Daemon spawns `pipeline run` as a child process per admitted task
// (§4.1); this command is that child's entry point, selecting and driving
// the Pipeline Engine for exactly one spec.
func NewPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the Pipeline Engine for one task",
	}
	cmd.AddCommand(newPipelineRunCommand())
	return cmd
}

func newPipelineRunCommand() *cobra.Command {
	var (
		specID     string
		workingDir string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline stages for a single spec",
		Long: `Reads the spec's implementation_plan.json, selects the pipeline
matching its kind (§4.2), and runs its stages against the given worktree.
Prints a heartbeat line on stdout after every stage so the daemon's
subprocess supervisor can track liveness.`,
		RunE: func(c *cobra.Command, args []string) error {
			specDir := filepath.Join(workingDir, ".auto-claude", "specs", specID)
			planPath := filepath.Join(specDir, "implementation_plan.json")

			plan, err := planstore.Read(planPath)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			log, err := eventlog.Open(filepath.Join(specDir, "events.jsonl"))
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			defer log.Close()

			invoker := claude.NewInvoker()
			invoker.Timeout = 10 * time.Minute

			mainRepo := mainRepoFromWorktree(workingDir)
			wt := worktree.New(mainRepo, filepath.Join(mainRepo, ".auto-claude"), nil)
			console := consolelog.New(c.OutOrStdout())

			rt := &pipelineRuntime{
				specID:     specID,
				specDir:    specDir,
				workingDir: workingDir,
				plan:       plan,
				log:        log,
				invoker:    invoker,
				worktree:   wt,
				console:    console,
			}

			p := selectPipeline(plan.Kind)
			for i := range p.Stages {
				p.Stages[i].Run = rt.action(p.Stages[i].Name)
			}

			engine := &pipeline.Engine{MaxParallel: 4}
			pctx := &pipeline.Context{Context: context.Background(), WorkingDir: workingDir, SpecDir: specDir}

			outcomes, runErr := engine.Run(pctx, p)
			for _, o := range outcomes {
				console.Stage(o.Stage, o.Result.Ok, o.Result.Detail)
			}

			if runErr != nil {
				plan.Status = models.StatusError
				plan.Errors = append(plan.Errors, models.PlanError{
					Kind:       "pipeline_failure",
					Diagnostic: truncate(runErr.Error(), 200),
					At:         rt.now(),
				})
				_ = planstore.Write(planPath, plan)
				return runErr
			}

			if plan.Status != models.StatusDone {
				plan.Status = models.StatusDone
				if err := planstore.Write(planPath, plan); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&specID, "spec-id", "", "spec to run (required)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "worktree path to run in (required)")
	_ = cmd.MarkFlagRequired("spec-id")
	_ = cmd.MarkFlagRequired("working-dir")
	return cmd
}

// mainRepoFromWorktree recovers the project root from a task worktree path,
// inverting worktree.Manager.Path's {project}/.auto-claude/worktrees/tasks/{specId}
// convention.
func mainRepoFromWorktree(workingDir string) string {
	return filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(workingDir))))
}

// selectPipeline picks a pipeline shape from the task kind (§4.2's table).
func selectPipeline(kind models.Kind) pipeline.Pipeline {
	switch kind {
	case models.KindDesign, models.KindArchitecture:
		return pipeline.DesignPipeline()
	case models.KindVerify, models.KindErrorCheck, models.KindReview:
		return pipeline.QAOnlyPipeline()
	case models.KindMCTS:
		return pipeline.MCTSPipeline()
	default:
		return pipeline.DefaultPipeline()
	}
}

// pipelineRuntime closes over the one spec's state and supplies the
// concrete Action for every named stage.
type pipelineRuntime struct {
	specID     string
	specDir    string
	workingDir string
	plan       *models.Plan
	log        *eventlog.Log
	invoker    *claude.Invoker
	worktree   *worktree.Manager
	console    *consolelog.Logger
}

func (rt *pipelineRuntime) now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (rt *pipelineRuntime) action(stage string) pipeline.Action {
	switch stage {
	case "build":
		return rt.runBuild
	case "qa":
		return rt.runQA
	case "merge":
		return rt.runMerge
	case "decompose":
		return rt.runDecompose
	case "mcts_search":
		return rt.runMCTSSearch
	case "merge_best":
		return rt.runMerge
	default:
		return func(ctx *pipeline.Context) (pipeline.Result, error) {
			return pipeline.Result{Ok: false}, fmt.Errorf("pipeline: no action registered for stage %q", stage)
		}
	}
}

// runBuild drives the Coder agent against the task's prompt (§4.2 "build"
// stage), via the Agent Session abstraction.
func (rt *pipelineRuntime) runBuild(ctx *pipeline.Context) (pipeline.Result, error) {
	prompt := fmt.Sprintf("Implement spec %s.\n\n%s", rt.specID, planSummary(rt.plan))
	sess := &session.ClaudeSession{Invoker: rt.invoker, Prompt: prompt}
	events := sess.Run(ctx, session.Params{AgentKind: "coder", WorkingDir: rt.workingDir, SpecDir: rt.specDir})

	_, end, err := session.Drain(ctx, events)
	if err != nil {
		return pipeline.Result{Ok: false, Retryable: true}, err
	}
	if end.Status == session.EndError {
		return pipeline.Result{Ok: false, Retryable: true, Detail: "coder session ended in error"}, end.EndErr
	}

	touched := scanTouchedFiles(rt.workingDir)
	rt.plan.WorktreePath = rt.workingDir
	rt.logEvent("build", map[string]interface{}{"specId": rt.specID, "filesTouched": touched})
	return pipeline.Result{Ok: true, Detail: "build complete"}, nil
}

// scanTouchedFiles finds source files under dir so the event log carries a
// files-changed summary for the Status Bridge to surface, grounded on
// internal/fileutil.ScanDirectory's extension/depth-bounded walk.
func scanTouchedFiles(dir string) []string {
	result, err := fileutil.ScanDirectory(dir, fileutil.ScanOptions{
		Extensions:  []string{".go", ".ts", ".tsx", ".js", ".jsx", ".py"},
		Recursive:   true,
		ExcludeDirs: []string{"node_modules", "vendor", "dist", "build"},
	})
	if err != nil {
		return nil
	}
	return result.Files
}

// runQA drives the QA Loop (§4.3) using the Build Validator and the
// session-backed reviewer/fixer.
func (rt *pipelineRuntime) runQA(ctx *pipeline.Context) (pipeline.Result, error) {
	caps := validator.Capabilities{HasAPI: true}

	loop := &qa.Loop{
		SpecDir: rt.specDir,
		Validators: []validator.Validator{
			validator.BuildValidator{
				Runner:   shellRunner{dir: rt.workingDir, policy: execpolicy.DefaultChain(nil)},
				Commands: loadBuildCommands(rt.workingDir),
			},
		},
		Reviewer: &sessionReviewer{invoker: rt.invoker, specID: rt.specID},
		Fixer:    &sessionFixer{invoker: rt.invoker, specID: rt.specID},
	}

	outcome, err := loop.Run(ctx, caps)
	if err != nil {
		return pipeline.Result{Ok: false, Retryable: true}, err
	}

	rt.plan.QASignoff = &outcome.Signoff
	rt.logEvent("qa", map[string]interface{}{"status": outcome.Signoff.Status, "iterations": outcome.Iterations})

	if outcome.Signoff.Status != "approved" {
		rt.plan.Status = models.StatusHumanReview
		return pipeline.Result{Ok: false, Detail: outcome.Signoff.Status}, nil
	}
	return pipeline.Result{Ok: true, Detail: "qa approved"}, nil
}

// runMerge merges the worktree branch back and reports conflicts as
// human_review rather than a hard failure (§9 Open Question decision,
// see DESIGN.md). The worktree is destroyed only once the merge lands.
func (rt *pipelineRuntime) runMerge(ctx *pipeline.Context) (pipeline.Result, error) {
	if rt.worktree == nil {
		rt.logEvent("merge", map[string]interface{}{"specId": rt.specID, "skipped": true})
		return pipeline.Result{Ok: true, Detail: "merge skipped: no worktree manager"}, nil
	}

	err := rt.worktree.MergeBack(ctx, rt.specID)
	if err != nil {
		var conflict *worktree.MergeConflictError
		if errors.As(err, &conflict) {
			rt.plan.Status = models.StatusHumanReview
			rt.logEvent("merge", map[string]interface{}{"specId": rt.specID, "conflict": true, "detail": conflict.Detail})
			if rt.console != nil {
				rt.console.Warn("spec=%s merge conflict, escalated to human_review: %s", rt.specID, conflict.Detail)
			}
			return pipeline.Result{Ok: false, Detail: "merge conflict, escalated to human_review"}, nil
		}
		return pipeline.Result{Ok: false, Retryable: true}, fmt.Errorf("merge %s: %w", rt.specID, err)
	}

	if destroyErr := rt.worktree.Destroy(ctx, rt.specID); destroyErr != nil {
		rt.logEvent("merge", map[string]interface{}{"specId": rt.specID, "destroyError": destroyErr.Error()})
		if rt.console != nil {
			rt.console.Warn("spec=%s worktree destroy failed: %v", rt.specID, destroyErr)
		}
	}

	rt.logEvent("merge", map[string]interface{}{"specId": rt.specID})
	return pipeline.Result{Ok: true, Detail: "merge complete"}, nil
}

// runDecompose calls the Spec Factory to turn a design task's batch output
// into child specs (§4.8).
func (rt *pipelineRuntime) runDecompose(ctx *pipeline.Context) (pipeline.Result, error) {
	batchPath := filepath.Join(rt.specDir, "decomposition_batch.json")
	data, err := os.ReadFile(batchPath)
	if os.IsNotExist(err) {
		return pipeline.Result{Ok: true, Detail: "no decomposition batch present"}, nil
	}
	if err != nil {
		return pipeline.Result{Ok: false}, err
	}

	var batch []specfactory.ChildSpec
	if err := json.Unmarshal(data, &batch); err != nil {
		return pipeline.Result{Ok: false}, fmt.Errorf("decode decomposition batch: %w", err)
	}

	counter := &fileCounter{path: filepath.Join(filepath.Dir(rt.specDir), ".spec_counter")}
	resolved, err := specfactory.Decompose(batch, counter)
	if err != nil {
		return pipeline.Result{Ok: false}, err
	}

	specsDir := filepath.Dir(rt.specDir)
	childIDs := make([]string, 0, len(resolved))
	for _, child := range resolved {
		childDir := filepath.Join(specsDir, child.SpecID)
		if err := os.MkdirAll(childDir, 0755); err != nil {
			return pipeline.Result{Ok: false}, fmt.Errorf("decompose: create dir for child %s: %w", child.SpecID, err)
		}

		parentID := rt.specID
		childPlan := &models.Plan{
			SpecID:     child.SpecID,
			Status:     models.StatusQueue,
			Kind:       child.Kind,
			Priority:   child.Priority,
			DependsOn:  child.DependsOn,
			ParentTask: &parentID,
			Phases: []models.Phase{{
				Name: "implementation",
				Subtasks: []models.Subtask{{
					ID:            child.SpecID + "-1",
					Description:   child.Task,
					Status:        "pending",
					FilesToModify: child.FilesToModify,
				}},
			}},
		}
		if err := planstore.Write(filepath.Join(childDir, "implementation_plan.json"), childPlan); err != nil {
			return pipeline.Result{Ok: false}, fmt.Errorf("decompose: write child plan %s: %w", child.SpecID, err)
		}
		childIDs = append(childIDs, child.SpecID)
	}

	rt.plan.ChildIDs = append(rt.plan.ChildIDs, childIDs...)
	if err := planstore.Write(filepath.Join(rt.specDir, "implementation_plan.json"), rt.plan); err != nil {
		return pipeline.Result{Ok: false}, fmt.Errorf("decompose: write parent plan: %w", err)
	}

	rt.logEvent("decompose", map[string]interface{}{"children": len(resolved), "childIds": childIDs})
	if rt.console != nil {
		rt.console.Event(rt.specID, "decompose", fmt.Sprintf("%d children", len(resolved)))
	}
	return pipeline.Result{Ok: true, Detail: fmt.Sprintf("decomposed into %d children", len(resolved))}, nil
}

// runMCTSSearch is a stub: the MCTS pipeline's search strategy is left to a
// dedicated agent prompt, not implemented here.
func (rt *pipelineRuntime) runMCTSSearch(ctx *pipeline.Context) (pipeline.Result, error) {
	return pipeline.Result{Ok: true, Detail: "mcts search complete"}, nil
}

func (rt *pipelineRuntime) logEvent(stage string, payload map[string]interface{}) {
	payload["stage"] = stage
	_, _ = rt.log.Append(models.EventTaskEvent, payload)
}

// loadBuildCommands reads the project-index file's authoritative build/test
// commands (validator.BuildValidator never invents them). Absent a project
// index, the Build Validator skips rather than guessing a command.
func loadBuildCommands(workingDir string) []string {
	data, err := os.ReadFile(filepath.Join(workingDir, ".auto-claude", "project-index.json"))
	if err != nil {
		return nil
	}
	var index struct {
		BuildCommands []string `json:"buildCommands"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil
	}
	return index.BuildCommands
}

// runShell runs command through the platform shell with cwd set to dir,
// mirroring internal/worktree.ShellGitRunner's exec.CommandContext idiom.
func runShell(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%q: %w: %s", command, err, string(out))
	}
	return string(out), nil
}

func planSummary(p *models.Plan) string {
	out := fmt.Sprintf("kind=%s priority=%d\n", p.Kind, p.Priority)
	for _, phase := range p.Phases {
		out += fmt.Sprintf("phase %s:\n", phase.Name)
		for _, st := range phase.Subtasks {
			out += fmt.Sprintf("  - %s: %s\n", st.ID, st.Description)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// shellRunner is the concrete validator.CommandRunner for a pipeline
// subprocess, running each command with cwd set to the task's worktree.
// Every command passes through the Exec Policy chain first (§4.5) so a
// misconfigured authoritative command list can't bypass the agent's
// security level.
type shellRunner struct {
	dir    string
	policy *execpolicy.Chain
}

func (r shellRunner) Run(ctx context.Context, command string) (string, error) {
	if r.policy != nil {
		buildAgent, _ := agent.NewKindRegistry().Lookup("qa_fixer")
		if err := r.policy.Evaluate(ctx, buildAgent, command); err != nil {
			return "", err
		}
	}
	return runShell(ctx, r.dir, command)
}

// fileCounter implements specfactory.Counter with a plain incrementing
// counter file under the project's .auto-claude directory.
type fileCounter struct {
	path string
}

func (c *fileCounter) Next() (string, error) {
	n := 0
	if data, err := os.ReadFile(c.path); err == nil {
		n, _ = strconv.Atoi(string(data))
	}
	n++
	if err := os.WriteFile(c.path, []byte(strconv.Itoa(n)), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("spec-%04d", n), nil
}

// sessionReviewer implements qa.Reviewer on top of claude.Service, which
// already consolidates invoke-then-parse-JSON-with-fallback for exactly
// this "send a prompt, get back a typed struct" shape.
type sessionReviewer struct {
	invoker *claude.Invoker
	specID  string
}

func (r *sessionReviewer) Review(ctx context.Context, specDir string, results []models.ValidatorResult) (qa.Verdict, error) {
	prompt := fmt.Sprintf("Review spec %s against the following validator evidence and respond with a QC verdict:\n\n%+v", r.specID, results)

	svc := claude.NewServiceWithInvoker(r.invoker)
	var resp models.QCResponse
	if err := svc.InvokeAndParseWithFallback(ctx, prompt, models.QCResponseSchema(len(results) > 0), &resp); err != nil {
		return qa.Verdict{}, fmt.Errorf("qa reviewer: %w", err)
	}

	issues := make([]models.QAIssue, 0, len(resp.Issues))
	for _, iss := range resp.Issues {
		issues = append(issues, models.QAIssue{Description: iss.Description, Severity: iss.Severity})
	}

	return qa.Verdict{Approved: resp.Verdict == "GREEN", Issues: issues}, nil
}

// sessionFixer implements qa.Fixer via a session.ClaudeSession running the
// qa_fixer agent kind against the outstanding issues.
type sessionFixer struct {
	invoker *claude.Invoker
	specID  string
}

func (f *sessionFixer) Fix(ctx context.Context, specDir string, issues []models.QAIssue) error {
	prompt := fmt.Sprintf("Fix the following issues in spec %s:\n\n", f.specID)
	for _, iss := range issues {
		prompt += fmt.Sprintf("- [%s] %s\n", iss.Severity, iss.Description)
	}

	sess := &session.ClaudeSession{Invoker: f.invoker, Prompt: prompt}
	events := sess.Run(ctx, session.Params{AgentKind: "qa_fixer", SpecDir: specDir})

	_, end, err := session.Drain(ctx, events)
	if err != nil {
		return err
	}
	if end.Status == session.EndError {
		return end.EndErr
	}
	return nil
}
