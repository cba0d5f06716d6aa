package validation

// State is the outcome of a project validation run.
type State int

const (
	NoAnchorType State = iota
	NoAnchorMethod
	NoTaskMembers
	NoAgentMembers
	// UndefinedMembers means the descriptor stores declare agents or tasks
	// the entrypoint does not define.
	UndefinedMembers
	Valid
)

func (s State) String() string {
	switch s {
	case NoAnchorType:
		return "no-anchor-type"
	case NoAnchorMethod:
		return "no-anchor-method"
	case NoTaskMembers:
		return "no-task-members"
	case NoAgentMembers:
		return "no-agent-members"
	case UndefinedMembers:
		return "undefined-members"
	case Valid:
		return "valid"
	}
	return "unknown"
}

// Check is one step of a validation checklist. If Run fails, validation
// stops in state Fail.
type Check struct {
	Fail State
	Run  func() error
}

// Run executes checks in order and stops at the first failure.
// A nil Run is skipped, which lets grammars without a concept omit a step.
func Run(checks ...Check) (State, error) {
	for _, c := range checks {
		if c.Run == nil {
			continue
		}
		if err := c.Run(); err != nil {
			return c.Fail, err
		}
	}
	return Valid, nil
}
