package tutor

import "fmt"

// Kind tags a Directive.
type Kind int

const (
	KindDeliver Kind = iota + 1
	KindAwaitGate
	KindAwaitQuestion
	KindAnswerQuestion
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindDeliver:
		return "deliver"
	case KindAwaitGate:
		return "await_gate"
	case KindAwaitQuestion:
		return "await_question"
	case KindAnswerQuestion:
		return "answer_question"
	case KindComplete:
		return "complete"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < KindDeliver || k > KindComplete {
		return nil, fmt.Errorf("tutor: invalid directive kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindDeliver; c <= KindComplete; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("tutor: unknown directive kind %q", b)
}

const (
	MessageComplete      = "We have covered all the material. Thank you for your participation"
	MessageAwaitGate     = "Please demonstrate your understanding of what we've discussed before we continue."
	MessageAwaitQuestion = "Sure! What's your question?"
	MessageAnswer        = "Answer the listener's question, then we will pick up where we left off."
	MessageFallback      = "I apologize, but I encountered an error. Let's try to continue."
)

// Directive is what the voice pipeline should do next. Text is the fragment
// text (with any milestone annotation in front) for KindDeliver and the fixed
// message otherwise.
type Directive struct {
	Kind                  Kind   `json:"kind"`
	FragmentID            string `json:"fragment_id,omitempty"`
	Text                  string `json:"text"`
	AllowInterruptions    bool   `json:"allow_interruptions"`
	RequiresUnderstanding bool   `json:"requires_understanding"`
	// Instructions is the mode directive for the language model.
	Instructions string `json:"instructions,omitempty"`
	Milestone    int    `json:"milestone,omitempty"`
	Replay       bool   `json:"replay,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
}

func (d Directive) IsTerminal() bool { return d.Kind == KindComplete }

func fallbackDirective() Directive {
	return Directive{Kind: KindDeliver, Text: MessageFallback, AllowInterruptions: true, Fallback: true}
}
