package cmd

import (
	"testing"

	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/akfldk1028/taskdaemon/internal/pipeline"
)

func TestSelectPipeline(t *testing.T) {
	cases := []struct {
		kind models.Kind
		name string
	}{
		{models.KindDesign, "design"},
		{models.KindArchitecture, "design"},
		{models.KindVerify, "qa_only"},
		{models.KindErrorCheck, "qa_only"},
		{models.KindReview, "qa_only"},
		{models.KindMCTS, "mcts"},
		{models.KindImpl, "default"},
		{models.KindBackend, "default"},
	}

	for _, c := range cases {
		got := selectPipeline(c.kind)
		if got.Name != c.name {
			t.Errorf("selectPipeline(%s) = %q, want %q", c.kind, got.Name, c.name)
		}
	}
}

func TestPipelineRuntimeActionCoversEveryBuiltinStage(t *testing.T) {
	rt := &pipelineRuntime{}

	for _, p := range []pipeline.Pipeline{
		pipeline.DefaultPipeline(),
		pipeline.DesignPipeline(),
		pipeline.QAOnlyPipeline(),
		pipeline.MCTSPipeline(),
	} {
		for _, stage := range p.Stages {
			if rt.action(stage.Name) == nil {
				t.Errorf("pipeline %s: no action wired for stage %q", p.Name, stage.Name)
			}
		}
	}
}

func TestLoadBuildCommandsAbsentIndex(t *testing.T) {
	if cmds := loadBuildCommands(t.TempDir()); cmds != nil {
		t.Errorf("expected nil commands for a project with no index, got %v", cmds)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate should not pad, got %q", got)
	}
	if got := truncate("a very long diagnostic message", 10); got != "a very lon" {
		t.Errorf("truncate(...) = %q, want first 10 chars", got)
	}
}
