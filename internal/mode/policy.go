package mode

// State is the slice of session state the policy looks at.
type State struct {
	HandRaised             bool
	ComprehensionConfirmed bool
}

// Rules is what the policy decides for one turn.
type Rules struct {
	AllowInterruptions bool
	RequiresGate       bool
	// Directive is the extra instruction payload for the language model.
	Directive string
}

const (
	directiveUserLed   = "Deliver the content continuously. Do not pause to ask whether the listener is following along."
	directiveAgentLed  = "Ensure listener understanding before proceeding. Ask specific questions about the content to gauge understanding, not opinions."
	directiveHandRaise = "Wait for the listener to raise their hand before allowing interruptions."
)

// Policy is a pure function of its inputs and may be called any number of
// times per turn.
func Policy(m Mode, st State) Rules {
	switch m {
	case AgentLed:
		return Rules{
			AllowInterruptions: true,
			RequiresGate:       !st.ComprehensionConfirmed,
			Directive:          directiveAgentLed,
		}
	case HandRaise:
		return Rules{
			AllowInterruptions: st.HandRaised,
			Directive:          directiveHandRaise,
		}
	default:
		return Rules{
			AllowInterruptions: true,
			Directive:          directiveUserLed,
		}
	}
}

// Intro is the welcome line spoken before the first fragment.
func Intro(m Mode) string {
	switch m {
	case AgentLed:
		return "Welcome! I'm your tutor. I'll be teaching you the material and checking in on your understanding as we go. Let's begin."
	case HandRaise:
		return "Welcome! I'm your tutor. Feel free to raise your hand when you have a question so that I may call on you. Let's begin."
	default:
		return "Welcome! I'm your tutor. I'll teach you the material, and it's on you to interrupt me with questions. Let's begin."
	}
}
