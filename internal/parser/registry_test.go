package parser_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser/jsonparser"
)

func TestSelect_FirstRegisteredWins(t *testing.T) {
	reg := parser.NewRegistry()
	reg.Register(jsonparser.MustNew("first", "/registers/.*", ""))
	reg.Register(jsonparser.MustNew("second", "/registers/1", ""))

	p, err := reg.Select(event.Message{Topic: "/registers/1"})
	require.NoError(t, err)
	require.Equal(t, "first", p.ID())
	require.Equal(t, []string{"first", "second"}, reg.IDs())
}

func TestSelect_NoMatch(t *testing.T) {
	reg := parser.NewRegistry()
	reg.Register(jsonparser.MustNew("registers", "/registers/.*", ""))

	_, err := reg.Select(event.Message{Topic: "/unknown/x"})
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.KindNoMatchingParser))
	require.Equal(t, 404, fault.CodeOf(err))
}

func TestSelect_Empty(t *testing.T) {
	_, err := parser.NewRegistry().Select(event.Message{Topic: "/registers/1"})
	require.True(t, fault.Is(err, fault.KindNoMatchingParser))
}

func TestRegister_DuplicatePanics(t *testing.T) {
	reg := parser.NewRegistry()
	reg.Register(jsonparser.MustNew("dup", "a", ""))
	require.Panics(t, func() { reg.Register(jsonparser.MustNew("dup", "b", "")) })
}
