package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/internal/model"
)

func TestValidate_RejectsEmptyStepList(t *testing.T) {
	err := Validate(&model.WorkflowDefinition{ID: "empty"})
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateStepID(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "dup",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepDelay},
			{ID: "a", Kind: model.StepDelay},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "badDep",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepDelay, DependsOn: []string{"missing"}},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_RejectsCycle(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "cycle",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepDelay, DependsOn: []string{"b"}},
			{ID: "b", Kind: model.StepDelay, DependsOn: []string{"a"}},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_RejectsConcurrentOutputVariableConflict(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "conflict",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepDelay, OutputVariable: "result"},
			{ID: "b", Kind: model.StepDelay, OutputVariable: "result"},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_AllowsSequentialOutputVariableReuse(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "sequential",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepDelay, OutputVariable: "result"},
			{ID: "b", Kind: model.StepDelay, DependsOn: []string{"a"}, OutputVariable: "result"},
		},
	}
	require.NoError(t, Validate(def))
}

func TestValidate_RecursesIntoConditionalElse(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "nested",
		Steps: []model.StepDefinition{
			{
				ID:   "cond",
				Kind: model.StepConditional,
				Then: []model.StepDefinition{{ID: "dup", Kind: model.StepDelay}},
				Else: []model.StepDefinition{{ID: "dup", Kind: model.StepDelay}, {ID: "dup", Kind: model.StepDelay}},
			},
		},
	}
	require.Error(t, Validate(def))
}

func TestValidate_ValidDiamondDAG(t *testing.T) {
	def := &model.WorkflowDefinition{
		ID: "diamond",
		Steps: []model.StepDefinition{
			{ID: "start", Kind: model.StepDelay},
			{ID: "left", Kind: model.StepDelay, DependsOn: []string{"start"}},
			{ID: "right", Kind: model.StepDelay, DependsOn: []string{"start"}},
			{ID: "join", Kind: model.StepDelay, DependsOn: []string{"left", "right"}},
		},
	}
	require.NoError(t, Validate(def))
}

func statusMapFn(m map[string]model.StepInstanceStatus) func(string) (model.StepInstanceStatus, bool) {
	return func(id string) (model.StepInstanceStatus, bool) {
		s, ok := m[id]
		return s, ok
	}
}

func TestReadySteps_OnlyReturnsStepsWithSatisfiedDependencies(t *testing.T) {
	steps := []model.StepDefinition{
		{ID: "a", Kind: model.StepDelay},
		{ID: "b", Kind: model.StepDelay, DependsOn: []string{"a"}},
	}
	status := map[string]model.StepInstanceStatus{}
	ready := readySteps(steps, statusMapFn(status))
	require.Len(t, ready, 1)
	require.Equal(t, "a", ready[0].ID)

	status["a"] = model.StepCompleted
	ready = readySteps(steps, statusMapFn(status))
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].ID)
}

func TestAllTerminal_TreatsSkippedAsTerminal(t *testing.T) {
	steps := []model.StepDefinition{{ID: "a", Kind: model.StepDelay}}
	status := map[string]model.StepInstanceStatus{"a": model.StepSkipped}
	require.True(t, allTerminal(steps, statusMapFn(status)))
}

func TestAnyFailed_TrueOnlyWhenAStepFailed(t *testing.T) {
	steps := []model.StepDefinition{{ID: "a", Kind: model.StepDelay}}
	status := map[string]model.StepInstanceStatus{"a": model.StepRunning}
	require.False(t, anyFailed(steps, statusMapFn(status)))
	status["a"] = model.StepFailed
	require.True(t, anyFailed(steps, statusMapFn(status)))
}
