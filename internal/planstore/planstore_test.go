package planstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/akfldk1028/taskdaemon/internal/models"
	"github.com/stretchr/testify/require"
)

func validPlan() *models.Plan {
	return &models.Plan{
		SpecID:         "001-add-login",
		Status:         models.StatusQueue,
		XStateState:    models.XStateBacklog,
		ExecutionPhase: "",
		Kind:           models.KindImpl,
		Priority:       2,
		DependsOn:      []string{},
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "implementation_plan.json")
	plan := validPlan()

	require.NoError(t, Write(path, plan))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, plan.SpecID, got.SpecID)
	require.Equal(t, plan.Status, got.Status)
	require.Equal(t, plan.XStateState, got.XStateState)
}

func TestWrite_RejectsPhasesOnDesignKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "implementation_plan.json")
	plan := validPlan()
	plan.Kind = models.KindDesign
	plan.Phases = []models.Phase{{Name: "phase-1"}}

	err := Write(path, plan)
	require.Error(t, err)
	var schemaErr *ErrSchemaInvalid
	require.ErrorAs(t, err, &schemaErr)
}

func TestWrite_IdenticalBytesOnRepeatedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "implementation_plan.json")
	plan := validPlan()

	require.NoError(t, Write(path, plan))
	first, err := readRaw(t, path)
	require.NoError(t, err)

	require.NoError(t, Write(path, plan))
	second, err := readRaw(t, path)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func readRaw(t *testing.T, path string) (string, error) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func TestValidate_RequiresConsistentXStateState(t *testing.T) {
	plan := validPlan()
	plan.XStateState = models.XStateDone // inconsistent with status=queue

	err := Validate(plan)
	require.Error(t, err)
}
