package predicate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	env := MapEnv{
		"event": map[string]any{
			"id":              "m1",
			"aggregation_key": "test-a1",
		},
		"fields": map[string]any{
			"kind":   "sale",
			"amount": 12.5,
			"vip":    true,
			"tags":   []any{"red", "blue"},
			"nested": map[string]any{"depth": float64(2)},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`fields.kind == "sale"`, true},
		{`fields.kind != "sale"`, false},
		{`fields.amount > 10`, true},
		{`fields.amount >= 12.5`, true},
		{`fields.amount < 12.5`, false},
		{`fields.amount <= -1`, false},
		{`fields.vip == true`, true},
		{`fields.tags contains "red"`, true},
		{`fields.tags contains "green"`, false},
		{`fields.kind contains "al"`, true},
		{`event.aggregation_key matches "^test-"`, true},
		{`fields.nested.depth == 2`, true},
		{`fields.vip exists`, true},
		{`fields.missing exists`, false},
		{`fields.missing == "x"`, false},
		{`NOT fields.missing exists`, true},
		{`fields.kind == "sale" AND fields.amount > 100`, false},
		{`fields.kind == "sale" AND fields.amount > 100 OR fields.vip == true`, true},
		{`fields.kind == "sale" AND (fields.amount > 100 OR fields.vip == true)`, true},
		{`NOT (event.id == "m1")`, false},
		{`fields.kind > 1`, false},
		{`fields.kind == null`, false},
		{"fields.kind matches `^s.le$`", true},
		{`fields.kind == "sale" and fields.vip exists`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr)
			require.NoError(t, err)
			require.Equal(t, tt.want, p.Match(env))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []string{
		``,
		`fields.kind`,
		`fields.kind = "x"`,
		`fields.kind == `,
		`fields. == 1`,
		`(fields.kind == "x"`,
		`fields.kind == "x" extra`,
		`fields.kind matches 1`,
		`fields.kind matches "("`,
		`fields.kind == -"x"`,
		`== 1`,
	}
	for _, expr := range bad {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			require.Error(t, err)
		})
	}
}

func TestMustCompilePanics(t *testing.T) {
	require.Panics(t, func() { MustCompile(`fields.kind ==`) })
	require.Equal(t, `fields.x exists`, MustCompile(`fields.x exists`).String())
}

func TestToFloat64(t *testing.T) {
	for _, v := range []any{1, int32(1), int64(1), uint(1), uint32(1), uint64(1), float32(1), 1.0} {
		f, ok := ToFloat64(v)
		require.True(t, ok)
		require.Equal(t, 1.0, f)
	}
	_, ok := ToFloat64("1")
	require.False(t, ok)
}
