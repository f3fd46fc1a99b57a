package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_Literals(t *testing.T) {
	v, err := Evaluate("true", nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Evaluate("false", nil)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = Evaluate("null", nil)
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = Evaluate("42", nil)
	require.NoError(t, err)
	require.Equal(t, float64(42), v)

	v, err = Evaluate(`"hello"`, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestEvaluate_VariableReference(t *testing.T) {
	vars := map[string]any{"status": "ok", "count": float64(3)}
	v, err := Evaluate("status", vars)
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	v, err = Evaluate("${count}", vars)
	require.NoError(t, err)
	require.Equal(t, float64(3), v)
}

func TestEvaluate_DottedPropertyAccess(t *testing.T) {
	vars := map[string]any{
		"job": map[string]any{
			"result": map[string]any{"exit_code": float64(0)},
		},
	}
	v, err := Evaluate("${job.result.exit_code}", vars)
	require.NoError(t, err)
	require.Equal(t, float64(0), v)
}

func TestEvaluate_UndefinedVariableIsNil(t *testing.T) {
	v, err := Evaluate("nope", map[string]any{})
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestEvaluate_Comparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"1 == 1", true},
		{"1 != 2", true},
		{"2 > 1", true},
		{"1 >= 1", true},
		{"1 < 2", true},
		{"2 <= 1", false},
		{`"a" == "a"`, true},
		{`"a" == "b"`, false},
	}
	for _, tc := range cases {
		v, err := Evaluate(tc.expr, nil)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, v, tc.expr)
	}
}

func TestEvaluate_MismatchedTypeComparisonIsFalse(t *testing.T) {
	v, err := Evaluate(`1 == "1"`, nil)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = Evaluate(`1 < "a"`, nil)
	require.NoError(t, err)
	require.Equal(t, false, v)
}

func TestEvaluate_BooleanOperators(t *testing.T) {
	v, err := Evaluate("true && false", nil)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = Evaluate("true || false", nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Evaluate("!false", nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Evaluate("(1 == 1) && (2 > 1)", nil)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestTruthy(t *testing.T) {
	require.False(t, Truthy(nil))
	require.False(t, Truthy(false))
	require.True(t, Truthy(true))
	require.False(t, Truthy(float64(0)))
	require.True(t, Truthy(float64(1)))
	require.False(t, Truthy(""))
	require.True(t, Truthy("x"))
	require.True(t, Truthy(map[string]any{}))
}

func TestLookup_MatchesEvaluateVariableSemantics(t *testing.T) {
	vars := map[string]any{"a": map[string]any{"b": "c"}}
	require.Equal(t, "c", Lookup(vars, "a.b"))
	require.Nil(t, Lookup(vars, "a.missing"))
}
