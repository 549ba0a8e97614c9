package mode

import (
	"fmt"
	"strings"
)

// Mode selects interruption and comprehension-gating behaviour for a whole
// session. It never changes after the session is created.
type Mode int

const (
	UserLed Mode = iota + 1
	AgentLed
	HandRaise
)

func (m Mode) String() string {
	switch m {
	case UserLed:
		return "user_led"
	case AgentLed:
		return "agent_led"
	case HandRaise:
		return "hand_raise"
	default:
		return "unknown"
	}
}

func (m Mode) Valid() bool { return m >= UserLed && m <= HandRaise }

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("mode: invalid value %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Parse accepts the wire names user_led, agent_led and hand_raise.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user_led":
		return UserLed, nil
	case "agent_led":
		return AgentLed, nil
	case "hand_raise":
		return HandRaise, nil
	}
	return 0, fmt.Errorf("mode: unknown %q", s)
}

// Room name markers used by the listener frontend.
const (
	RoomMarkerUserLed   = "SQUARE"
	RoomMarkerAgentLed  = "CIRCLE"
	RoomMarkerHandRaise = "TRIANGLE"
)

// FromRoomName maps the frontend's room naming convention to a mode.
func FromRoomName(room string) (Mode, bool) {
	switch {
	case strings.Contains(room, RoomMarkerUserLed):
		return UserLed, true
	case strings.Contains(room, RoomMarkerAgentLed):
		return AgentLed, true
	case strings.Contains(room, RoomMarkerHandRaise):
		return HandRaise, true
	}
	return 0, false
}
