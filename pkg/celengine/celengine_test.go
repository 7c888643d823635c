package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e, err := New("interaction_type", "category")
	require.NoError(t, err)

	ok, err := e.Evaluate(`interaction_type != "like" || category == "launch"`, map[string]any{
		"interaction_type": "like",
		"category":         "launch",
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate(`interaction_type != "like" || category == "launch"`, map[string]any{
		"interaction_type": "like",
		"category":         "general",
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsNonBoolAndUnknownVariables(t *testing.T) {
	e, err := New("tier")
	require.NoError(t, err)

	_, err = e.Compile(`tier + "x"`)
	require.Error(t, err)

	_, err = e.Compile(`unknown == "x"`)
	require.Error(t, err)

	_, err = e.Compile(`tier == "mega"`)
	require.NoError(t, err)
}
