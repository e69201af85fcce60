package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/mrtaskman/scheduler/go/types"
)

func TestTask_Key_MatchesFormatTaskKey(t *testing.T) {
	task := &types.Task{ID: 42}
	require.Equal(t, types.FormatTaskKey(42), task.Key())
}

func TestTask_IndexValues_IncludesRequirementsAndState(t *testing.T) {
	task := &types.Task{
		State:                types.StateScheduled,
		ExecutorRequirements: []string{"deviceSN42", "macos"},
	}
	values := task.IndexValues()
	require.ElementsMatch(t, []string{"deviceSN42", "macos"}, values[types.IndexByRequirement])
	require.Equal(t, []string{"scheduled"}, values[types.IndexByState])
}
