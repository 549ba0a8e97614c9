package loop

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"

	"yuzu/tutor/internal/comprehension"
	"yuzu/tutor/internal/corpus"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/registry"
	"yuzu/tutor/internal/store"
	"yuzu/tutor/internal/tutor"
	"yuzu/tutor/internal/workerws"
)

type captureConn struct {
	mu     sync.Mutex
	out    []workerws.Message
	closed bool
}

func (c *captureConn) Write(_ context.Context, _ ws.MessageType, p []byte) error {
	var m workerws.Message
	if err := json.Unmarshal(p, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) Close(ws.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *captureConn) messages() []workerws.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]workerws.Message(nil), c.out...)
}

func (c *captureConn) says() []workerws.Message {
	var out []workerws.Message
	for _, m := range c.messages() {
		if m.Type == workerws.TypeSay {
			out = append(out, m)
		}
	}
	return out
}

func (c *captureConn) lastSay(t *testing.T) workerws.Message {
	t.Helper()
	s := c.says()
	require.NotEmpty(t, s)
	return s[len(s)-1]
}

type harness struct {
	d    *Dispatcher
	st   *store.Store
	conn *captureConn
}

func newHarness(t *testing.T, m mode.Mode, eval comprehension.Evaluator, opts Options) *harness {
	t.Helper()
	return newHarnessConfig(t, m, eval, opts, registry.Config{})
}

func newHarnessConfig(t *testing.T, m mode.Mode, eval comprehension.Evaluator, opts Options, cfg registry.Config) *harness {
	t.Helper()
	c, err := corpus.Build([]corpus.Fragment{
		{ID: "a1", Text: "## A\nalpha one"},
		{ID: "a2", Text: "alpha two"},
		{ID: "b1", Text: "## B\nbeta one"},
	})
	require.NoError(t, err)
	reg, err := registry.New(c, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = reg.Open("s1", m)
	require.NoError(t, err)

	st := store.New()
	wreg := workerws.NewRegistry()
	conn := &captureConn{}
	wreg.Replace("s1", conn)
	return &harness{d: New(wreg, st, reg, eval, zap.NewNop(), opts), st: st, conn: conn}
}

func (h *harness) send(typ string, mut ...func(*workerws.Message)) {
	m := workerws.Message{Type: typ, TsMs: time.Now().UnixMilli(), SessionID: "s1"}
	for _, f := range mut {
		f(&m)
	}
	h.d.OnMessage("s1", m)
}

func withPayload(p map[string]any) func(*workerws.Message) {
	return func(m *workerws.Message) { m.Payload = p }
}

func withUtterance(id string) func(*workerws.Message) {
	return func(m *workerws.Message) { m.UtteranceID = id }
}

// speak plays the last say through the fake worker up to first audio.
func (h *harness) speak(t *testing.T) string {
	id := h.conn.lastSay(t).UtteranceID
	h.send(workerws.TypeTTSStarted, withUtterance(id))
	h.send(workerws.TypeTTSFirstAudio, withUtterance(id))
	return id
}

func (h *harness) hasEvent(typ string) bool {
	for _, e := range h.st.ListEvents("s1") {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestHelloStartsLessonWithIntro(t *testing.T) {
	h := newHarness(t, mode.UserLed, nil, Options{AutoContinueDelay: time.Hour})
	h.send(workerws.TypeWorkerHello)

	say := h.conn.lastSay(t)
	assert.Equal(t, "deliver", say.Payload["kind"])
	assert.Equal(t, "a1", say.Payload["fragment_id"])
	text := say.Payload["text"].(string)
	assert.True(t, strings.HasPrefix(text, mode.Intro(mode.UserLed)))
	assert.True(t, strings.HasSuffix(text, "alpha one"))

	h.send(workerws.TypeWorkerHello)
	assert.Len(t, h.conn.says(), 1, "reconnect does not restart the lesson")
}

func TestIntroWaitsForGateBeforeFirstFragment(t *testing.T) {
	h := newHarnessConfig(t, mode.AgentLed, comprehension.Always{}, Options{}, registry.Config{GateFirstSection: true})
	h.send(workerws.TypeWorkerHello)
	gate := h.conn.lastSay(t)
	assert.Equal(t, "await_gate", gate.Payload["kind"])
	assert.False(t, strings.HasPrefix(gate.Payload["text"].(string), mode.Intro(mode.AgentLed)))

	h.send(workerws.TypeTranscriptFinal, withPayload(map[string]any{"text": "ready"}))
	say := h.conn.lastSay(t)
	assert.Equal(t, "a1", say.Payload["fragment_id"])
	assert.True(t, strings.HasPrefix(say.Payload["text"].(string), mode.Intro(mode.AgentLed)))
}

func TestIntroWaitsForQuestionBeforeFirstFragment(t *testing.T) {
	h := newHarness(t, mode.HandRaise, nil, Options{})
	h.send(workerws.TypeData, withPayload(map[string]any{"topic": "command", "data": HandRaisedCommand}))
	assert.Equal(t, "await_question", h.conn.lastSay(t).Payload["kind"])

	h.send(workerws.TypeNextTurn)
	say := h.conn.lastSay(t)
	assert.Equal(t, "a1", say.Payload["fragment_id"])
	assert.True(t, strings.HasPrefix(say.Payload["text"].(string), mode.Intro(mode.HandRaise)))

	h.send(workerws.TypeNextTurn)
	assert.False(t, strings.HasPrefix(h.conn.lastSay(t).Payload["text"].(string), "Welcome"))
}

func TestUserLedAutoContinue(t *testing.T) {
	h := newHarness(t, mode.UserLed, nil, Options{AutoContinueDelay: 10 * time.Millisecond})
	h.send(workerws.TypeWorkerHello)
	id := h.speak(t)
	h.send(workerws.TypeTTSStopped, withUtterance(id), withPayload(map[string]any{"reason": "completed"}))

	require.Eventually(t, func() bool { return len(h.conn.says()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "a2", h.conn.lastSay(t).Payload["fragment_id"])
}

func TestSpeechCancelsAutoContinue(t *testing.T) {
	h := newHarness(t, mode.UserLed, nil, Options{AutoContinueDelay: 50 * time.Millisecond})
	h.send(workerws.TypeWorkerHello)
	id := h.speak(t)
	h.send(workerws.TypeTTSStopped, withUtterance(id), withPayload(map[string]any{"reason": "completed"}))
	h.send(workerws.TypeVADStart, withPayload(map[string]any{"source": "candidate_audio"}))

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, h.conn.says(), 1)
}

func TestBargeInInterruptsAndReplays(t *testing.T) {
	h := newHarness(t, mode.UserLed, nil, Options{AutoContinueDelay: time.Hour})
	h.send(workerws.TypeWorkerHello)
	id := h.speak(t)

	h.send(workerws.TypeVADStart, withPayload(map[string]any{"source": "candidate_audio"}))
	msgs := h.conn.messages()
	var stop *workerws.Message
	for i := range msgs {
		if msgs[i].Type == workerws.TypeStopTTS {
			stop = &msgs[i]
		}
	}
	require.NotNil(t, stop)
	assert.Equal(t, id, stop.UtteranceID)
	assert.Equal(t, "answer_question", h.conn.lastSay(t).Payload["kind"])

	h.send(workerws.TypeTTSStopped, withUtterance(id), withPayload(map[string]any{"reason": "interrupted"}))
	assert.True(t, h.hasEvent("barge_in_latency"))

	h.send(workerws.TypeNextTurn)
	say := h.conn.lastSay(t)
	assert.Equal(t, "a1", say.Payload["fragment_id"])
	assert.Equal(t, true, say.Payload["replay"])
}

func TestHandRaiseGatesInterruptions(t *testing.T) {
	h := newHarness(t, mode.HandRaise, nil, Options{})
	h.send(workerws.TypeWorkerHello)
	assert.Equal(t, false, h.conn.lastSay(t).Payload["allow_interruptions"])
	h.speak(t)

	h.send(workerws.TypeVADStart, withPayload(map[string]any{"source": "candidate_audio"}))
	assert.True(t, h.hasEvent("speech_ignored"))
	assert.Len(t, h.conn.says(), 1)

	h.send(workerws.TypeData, withPayload(map[string]any{"topic": "command", "data": HandRaisedCommand}))
	assert.Len(t, h.conn.says(), 1, "still speaking, question waits")

	h.send(workerws.TypeVADStart, withPayload(map[string]any{"source": "candidate_audio"}))
	assert.Equal(t, "await_question", h.conn.lastSay(t).Payload["kind"])

	h.send(workerws.TypeNextTurn)
	say := h.conn.lastSay(t)
	assert.Equal(t, "a1", say.Payload["fragment_id"])
	assert.Equal(t, true, say.Payload["replay"])
}

func TestHandRaisedWhileSilentTakesQuestionNow(t *testing.T) {
	h := newHarness(t, mode.HandRaise, nil, Options{})
	h.send(workerws.TypeWorkerHello)
	h.send(workerws.TypeHandRaised)
	assert.Equal(t, "await_question", h.conn.lastSay(t).Payload["kind"])
	h.send(workerws.TypeNextTurn)
	assert.Equal(t, "a2", h.conn.lastSay(t).Payload["fragment_id"])
}

func TestAgentLedComprehensionFromTranscript(t *testing.T) {
	h := newHarness(t, mode.AgentLed, comprehension.MinWords{N: 3}, Options{})
	h.send(workerws.TypeWorkerHello)
	h.send(workerws.TypeNextTurn)
	say := h.conn.lastSay(t)
	assert.Equal(t, "a2", say.Payload["fragment_id"])
	assert.Equal(t, true, say.Payload["requires_understanding"])

	h.send(workerws.TypeNextTurn)
	assert.Equal(t, "await_gate", h.conn.lastSay(t).Payload["kind"])

	h.send(workerws.TypeTranscriptFinal, withPayload(map[string]any{"text": "yes"}))
	assert.Equal(t, "await_gate", h.conn.lastSay(t).Payload["kind"])

	h.send(workerws.TypeTranscriptFinal, withPayload(map[string]any{"text": "alpha comes before two"}))
	assert.Equal(t, "b1", h.conn.lastSay(t).Payload["fragment_id"])
}

func TestMalformedSignalsIgnored(t *testing.T) {
	h := newHarness(t, mode.HandRaise, nil, Options{})
	h.send(workerws.TypeData, withPayload(map[string]any{"topic": "chat", "data": "hi"}))
	h.send(workerws.TypeTranscriptFinal)
	h.send("teleport")

	assert.Empty(t, h.conn.says())
	n := 0
	for _, e := range h.st.ListEvents("s1") {
		if e.Type == "signal_ignored" {
			n++
		}
	}
	assert.Equal(t, 3, n)
}

func TestTurnAndForget(t *testing.T) {
	h := newHarness(t, mode.UserLed, nil, Options{})
	d, err := h.d.Turn(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, tutor.KindDeliver, d.Kind)

	_, err = h.d.Turn(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)

	h.d.Forget("s1")
	assert.True(t, h.conn.closed)
}
