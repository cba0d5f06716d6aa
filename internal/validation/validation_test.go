package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShortCircuits(t *testing.T) {
	t.Parallel()

	var ran []State
	step := func(s State, err error) Check {
		return Check{Fail: s, Run: func() error {
			ran = append(ran, s)
			return err
		}}
	}

	missing := &MissingAnchorError{Framework: "CrewAI", Path: "src/crew.py", Kind: AnchorMethod, Construct: "`@crew` decorated method"}
	state, err := Run(
		step(NoAnchorType, nil),
		step(NoAnchorMethod, missing),
		step(NoTaskMembers, nil),
	)

	require.Error(t, err)
	assert.Equal(t, NoAnchorMethod, state)
	assert.Equal(t, []State{NoAnchorType, NoAnchorMethod}, ran)

	var anchorErr *MissingAnchorError
	require.ErrorAs(t, err, &anchorErr)
	assert.Equal(t, AnchorMethod, anchorErr.Kind)
}

func TestRunValid(t *testing.T) {
	t.Parallel()

	state, err := Run(
		Check{Fail: NoAnchorType, Run: func() error { return nil }},
		Check{Fail: NoAnchorMethod},
	)
	require.NoError(t, err)
	assert.Equal(t, Valid, state)
	assert.Equal(t, "valid", state.String())
}

func TestStateNames(t *testing.T) {
	t.Parallel()

	want := []string{"no-anchor-type", "no-anchor-method", "no-task-members", "no-agent-members", "undefined-members", "valid"}
	for s := NoAnchorType; s <= Valid; s++ {
		assert.Equal(t, want[s], s.String())
	}
	assert.Equal(t, "unknown", (Valid + 1).String())
}

func TestErrorsMatchErrValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unparsable", &UnparsableSourceError{Path: "src/crew.py", Line: 3, Column: 5}, "failed to parse src/crew.py (line 3, column 5)"},
		{"anchor type", &MissingAnchorError{Framework: "CrewAI", Path: "src/crew.py", Kind: AnchorType, Construct: "`@CrewBase` decorated class"}, "CrewAI: `@CrewBase` decorated class not found in src/crew.py"},
		{"signature", &SignatureMismatchError{Framework: "LangGraph", Path: "src/graph.py", Type: "TestGraph", Method: "run", Parameter: "inputs"}, "LangGraph: method `run` of `TestGraph` must accept `inputs` as an argument in src/graph.py"},
		{"no members", &NoMarkedMembersError{Framework: "CrewAI", Path: "src/crew.py", Type: "TestCrew", Marker: "agent"}, "CrewAI: `@agent` decorated method not found in `TestCrew` class in src/crew.py"},
		{"unknown member", &UnknownMemberError{Framework: "CrewAI", Path: "src/crew.py", Kind: "agent", Name: "writer"}, "CrewAI: agent `writer` does not exist in src/crew.py"},
		{"missing call", &MissingCallOrArgumentError{Framework: "CrewAI", Path: "src/crew.py", Method: "writer", Construct: "`Agent` call"}, "CrewAI: `Agent` call not found in method `writer` in src/crew.py"},
		{"provider", &UnsupportedProviderError{Framework: "OpenAI Swarm", Provider: "groq", Supported: []string{"openai"}}, `OpenAI Swarm provider "groq" has not been implemented; supported providers: openai`},
		{"operation", &UnsupportedOperationError{Framework: "Agent Protocol", Operation: "adding agent methods"}, "Agent Protocol does not support adding agent methods"},
		{"duplicate", &DuplicateMemberError{Framework: "LangGraph", Path: "src/graph.py", Kind: "task", Name: "summarize"}, "LangGraph: task `summarize` already exists in src/graph.py"},
		{"descriptor", &InvalidDescriptorError{Path: "src/config/agents.yaml", Issues: []string{"agent `writer` is not a mapping"}}, "invalid descriptor src/config/agents.yaml: agent `writer` is not a mapping"},
		{"capabilities", &MissingCapabilitiesError{Tool: "web_search", Path: "tools/web_search/__init__.py", Missing: []string{"search", "fetch"}}, "tool web_search: tools/web_search/__init__.py does not define `search`, `fetch`"},
		{"framework", &UnknownFrameworkError{Framework: "autogen", Supported: []string{"crewai"}}, `framework "autogen" is not supported; supported frameworks: crewai`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, errors.Is(tt.err, ErrValidation))
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnparsableSourceUnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such file")
	err := &UnparsableSourceError{Path: "src/crew.py", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to parse src/crew.py: no such file", err.Error())
}
