package floor

// Decision represents the action the floor manager wants to take.
type Decision struct {
	ShouldStop      bool
	StopUtteranceID string
	Reason          string // "barge_in", "interruptions_disallowed", "completed"
	// Finished is set when an utterance played to the end.
	Finished bool
}

// Manager tracks who holds the floor and whether the tutor's current
// utterance may be cut off by the listener.
type Manager struct {
	speaking           bool
	activeUtteranceID  string
	allowInterruptions bool
	// armed is set on first audio; stopping during prebuffer cuts nothing audible.
	armed              bool
	lastVADStartTsMs   int64
	lastTTSStartedTsMs int64
}

func New() *Manager { return &Manager{} }

func (m *Manager) Speaking() bool { return m.speaking }

func (m *Manager) ActiveUtterance() string { return m.activeUtteranceID }

func (m *Manager) OnTTSStarted(utteranceID string, tsMs int64, allowInterruptions bool) Decision {
	m.speaking = true
	m.activeUtteranceID = utteranceID
	m.allowInterruptions = allowInterruptions
	m.armed = false
	m.lastTTSStartedTsMs = tsMs
	return Decision{}
}

func (m *Manager) OnFirstAudio() {
	if m.speaking {
		m.armed = true
	}
}

// SetAllowInterruptions changes the policy of the utterance in flight, e.g.
// when a hand goes up halfway through a fragment.
func (m *Manager) SetAllowInterruptions(allow bool) {
	m.allowInterruptions = allow
}

func (m *Manager) OnTTSStopped(utteranceID string, tsMs int64, reason string) Decision {
	// A stop for an older utterance does not end the current one.
	if m.activeUtteranceID != "" && utteranceID != "" && utteranceID != m.activeUtteranceID {
		return Decision{}
	}
	m.speaking = false
	m.activeUtteranceID = ""
	m.armed = false
	return Decision{Finished: reason == "completed", Reason: reason}
}

func (m *Manager) OnVADStart(tsMs int64) Decision {
	m.lastVADStartTsMs = tsMs
	if !m.speaking || !m.armed {
		return Decision{}
	}
	if !m.allowInterruptions {
		return Decision{Reason: "interruptions_disallowed"}
	}
	// barge-in: stop immediately
	return Decision{ShouldStop: true, StopUtteranceID: m.activeUtteranceID, Reason: "barge_in"}
}

func (m *Manager) OnVADEnd(tsMs int64) Decision {
	return Decision{}
}
