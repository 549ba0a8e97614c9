package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuzu/tutor/internal/comprehension"
	"yuzu/tutor/internal/floor"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/registry"
	"yuzu/tutor/internal/store"
	"yuzu/tutor/internal/tutor"
	"yuzu/tutor/internal/types"
	"yuzu/tutor/internal/workerws"
)

var ErrUnknownSession = errors.New("unknown session")

// HandRaisedCommand is the data-channel payload the listener frontend sends
// on topic "command".
const HandRaisedCommand = "HAND_RAISED"

const sendTimeout = 5 * time.Second

type Options struct {
	AutoContinueDelay time.Duration
	TTSTimeout        time.Duration
}

// Dispatcher drives tutor sessions from worker messages and API calls. Every
// entry point takes the per-session lock, so a session sees one turn or
// signal at a time.
type Dispatcher struct {
	reg      *workerws.Registry
	store    *store.Store
	sessions *registry.Registry
	eval     comprehension.Evaluator
	log      *zap.Logger

	autoContinue time.Duration
	ttsTimeout   time.Duration

	mu     sync.Mutex
	states map[string]*sessState
}

type sessState struct {
	mu sync.Mutex

	fsm           *floor.Manager
	introduced    bool
	lastKind      tutor.Kind
	lastSay       string
	lastSayAllow  bool
	lastVADTsMs   int64
	lastVADRecvMs int64
	stopping      bool
	pendingCmdID  string
	ttsStartRecv  time.Time
	autoGen       int
	autoTimer     *time.Timer
}

func New(reg *workerws.Registry, st *store.Store, sessions *registry.Registry, eval comprehension.Evaluator, log *zap.Logger, opts Options) *Dispatcher {
	if eval == nil {
		eval = comprehension.Always{}
	}
	if opts.TTSTimeout <= 0 {
		opts.TTSTimeout = 60 * time.Second
	}
	return &Dispatcher{
		reg:          reg,
		store:        st,
		sessions:     sessions,
		eval:         eval,
		log:          log.Named("loop"),
		autoContinue: opts.AutoContinueDelay,
		ttsTimeout:   opts.TTSTimeout,
		states:       make(map[string]*sessState),
	}
}

func (d *Dispatcher) state(sessionID string) *sessState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.states[sessionID]
	if s == nil {
		s = &sessState{fsm: floor.New()}
		d.states[sessionID] = s
	}
	return s
}

// Forget drops dispatcher state for a session and disconnects its worker.
func (d *Dispatcher) Forget(sessionID string) {
	d.mu.Lock()
	s := d.states[sessionID]
	delete(d.states, sessionID)
	d.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.cancelAutoLocked()
		s.mu.Unlock()
	}
	d.reg.Close(sessionID, "session closed")
}

// Turn advances the session once and forwards the directive to the worker.
func (d *Dispatcher) Turn(ctx context.Context, sessionID string) (tutor.Directive, error) {
	if _, ok := d.sessions.Get(sessionID); !ok {
		return tutor.Directive{}, ErrUnknownSession
	}
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.turnLocked(ctx, sessionID, s, "api")
}

func (d *Dispatcher) RaiseHand(sessionID string) error {
	if _, ok := d.sessions.Get(sessionID); !ok {
		return ErrUnknownSession
	}
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.raiseHandLocked(sessionID, s)
}

func (d *Dispatcher) LowerHand(sessionID string) error {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.LowerHand()
	s.fsm.SetAllowInterruptions(s.lastSayAllow)
	d.store.AppendEvent(sessionID, "hand_lowered_applied", nil)
	return nil
}

// Understood runs the comprehension evaluator on the listener's response
// and confirms the session on success.
func (d *Dispatcher) Understood(ctx context.Context, sessionID, response string) (bool, error) {
	if _, ok := d.sessions.Get(sessionID); !ok {
		return false, ErrUnknownSession
	}
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.understoodLocked(ctx, sessionID, response)
}

// Interrupt records a barge-in that happened outside the worker socket.
func (d *Dispatcher) Interrupt(sessionID string) (bool, error) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return false, ErrUnknownSession
	}
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAutoLocked()
	ok = sess.Interrupt()
	d.store.AppendEvent(sessionID, "interrupt", map[string]any{"honoured": ok})
	return ok, nil
}

// OnMessage processes a worker message and may send commands to the worker.
func (d *Dispatcher) OnMessage(sessionID string, msg workerws.Message) {
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	nowRecvMs := time.Now().UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	switch msg.Type {
	case workerws.TypeWorkerHello:
		// Reset speaking unless worker immediately restates playback
		s.fsm = floor.New()
		s.stopping = false
		s.pendingCmdID = ""
		if !s.introduced {
			_, _ = d.turnLocked(ctx, sessionID, s, "hello")
		}
	case workerws.TypeNextTurn:
		s.cancelAutoLocked()
		_, _ = d.turnLocked(ctx, sessionID, s, "worker")
	case workerws.TypeHandRaised:
		d.onHandRaised(ctx, sessionID, s)
	case workerws.TypeHandLowered:
		if sess, ok := d.sessions.Get(sessionID); ok {
			sess.LowerHand()
			s.fsm.SetAllowInterruptions(s.lastSayAllow)
		}
	case workerws.TypeData:
		topic, _ := msg.PayloadString("topic")
		data, _ := msg.PayloadString("data")
		if topic != "command" || data != HandRaisedCommand {
			d.invalid(sessionID, "unknown_command")
			return
		}
		d.onHandRaised(ctx, sessionID, s)
	case workerws.TypeTranscriptFinal:
		text, ok := msg.PayloadString("text")
		if !ok {
			d.invalid(sessionID, "missing_text")
			return
		}
		if s.lastKind == tutor.KindAwaitGate {
			if understood, err := d.understoodLocked(ctx, sessionID, text); err == nil && understood {
				_, _ = d.turnLocked(ctx, sessionID, s, "understood")
			}
		}
	case workerws.TypeTTSStarted:
		// Utterances the worker starts on its own are always interruptible.
		allow := s.lastSayAllow
		if msg.UtteranceID != "" && msg.UtteranceID != s.lastSay {
			allow = true
		}
		s.fsm.OnTTSStarted(msg.UtteranceID, msg.TsMs, allow)
		s.ttsStartRecv = time.Now()
		d.store.SetWorkerSpeaking(sessionID, true)
		d.store.AppendEvent(sessionID, "tts_started_backend_recv", map[string]any{"recv_ms": nowRecvMs})
	case workerws.TypeTTSFirstAudio:
		s.fsm.OnFirstAudio()
		d.store.AppendEvent(sessionID, "tts_first_audio_backend_recv", map[string]any{"recv_ms": nowRecvMs})
	case workerws.TypeTTSStopped:
		reason, _ := msg.PayloadString("reason")
		dec := s.fsm.OnTTSStopped(msg.UtteranceID, msg.TsMs, reason)
		d.store.SetWorkerSpeaking(sessionID, s.fsm.Speaking())
		// If interrupted, compute latency
		if reason == "interrupted" && s.lastVADTsMs > 0 {
			d.store.AppendEvent(sessionID, "barge_in_latency", map[string]any{
				"worker_ms": msg.TsMs - s.lastVADTsMs, "backend_ms": nowRecvMs - s.lastVADRecvMs,
				"utterance_id": msg.UtteranceID,
			})
		}
		s.stopping = false
		s.pendingCmdID = ""
		s.ttsStartRecv = time.Time{}
		if dec.Finished {
			d.afterUtterance(ctx, sessionID, s)
		}
	case workerws.TypeVADStart:
		s.lastVADTsMs = msg.TsMs
		s.lastVADRecvMs = nowRecvMs
		s.cancelAutoLocked()
		// Only treat candidate_audio (or debug) as barge-in sources
		source, _ := msg.PayloadString("source")
		dec := s.fsm.OnVADStart(msg.TsMs)
		if dec.Reason == "interruptions_disallowed" {
			d.store.AppendEvent(sessionID, "speech_ignored", map[string]any{"utterance_id": s.fsm.ActiveUtterance()})
			return
		}
		if dec.ShouldStop && !s.stopping && (source == "candidate_audio" || source == "debug") {
			d.bargeIn(ctx, sessionID, s, dec.StopUtteranceID)
		}
	case workerws.TypeVADEnd:
		s.fsm.OnVADEnd(msg.TsMs)
	case workerws.TypeCmdAck:
		if msg.CommandID != "" && msg.CommandID == s.pendingCmdID {
			d.store.AppendEvent(sessionID, "cmd_ack", map[string]any{"command_id": msg.CommandID})
		} else {
			d.store.AppendEvent(sessionID, "cmd_ack", map[string]any{"command_id": msg.CommandID, "note": "unexpected"})
		}
	default:
		d.invalid(sessionID, "unknown_type")
	}

	// Safety timeout check
	if !s.ttsStartRecv.IsZero() && time.Since(s.ttsStartRecv) > d.ttsTimeout {
		s.fsm = floor.New()
		s.stopping = false
		s.pendingCmdID = ""
		s.ttsStartRecv = time.Time{}
		d.store.AppendEvent(sessionID, "tts_timeout_reset", nil)
	}
}

func (d *Dispatcher) onHandRaised(ctx context.Context, sessionID string, s *sessState) {
	if err := d.raiseHandLocked(sessionID, s); err != nil {
		d.invalid(sessionID, "unknown_session")
		return
	}
	// Nothing playing: take the question now.
	if !s.fsm.Speaking() {
		s.cancelAutoLocked()
		_, _ = d.turnLocked(ctx, sessionID, s, "hand_raised")
	}
}

func (d *Dispatcher) raiseHandLocked(sessionID string, s *sessState) error {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	sess.RaiseHand()
	rules := mode.Policy(sess.Mode(), mode.State{HandRaised: true})
	if rules.AllowInterruptions {
		s.fsm.SetAllowInterruptions(true)
	}
	d.store.AppendEvent(sessionID, "hand_raised_applied", nil)
	return nil
}

func (d *Dispatcher) understoodLocked(ctx context.Context, sessionID, response string) (bool, error) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return false, ErrUnknownSession
	}
	ok, err := d.eval.Understood(ctx, response)
	if err != nil {
		d.log.Warn("comprehension evaluator failed", zap.String("session_id", sessionID), zap.Error(err))
		return false, err
	}
	if ok {
		sess.ConfirmUnderstanding()
	}
	d.store.AppendEvent(sessionID, "comprehension_evaluated", map[string]any{"understood": ok})
	return ok, nil
}

// afterUtterance runs when the tutor finished speaking uninterrupted.
func (d *Dispatcher) afterUtterance(ctx context.Context, sessionID string, s *sessState) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return
	}
	p := sess.Progress()
	switch {
	case sess.Mode() == mode.HandRaise && p.HandRaised:
		_, _ = d.turnLocked(ctx, sessionID, s, "hand_raised")
	case sess.Mode() == mode.UserLed && s.lastKind == tutor.KindDeliver && !p.InterruptionPending:
		d.scheduleAutoLocked(sessionID, s)
	}
}

func (d *Dispatcher) scheduleAutoLocked(sessionID string, s *sessState) {
	s.cancelAutoLocked()
	gen := s.autoGen
	s.autoTimer = time.AfterFunc(d.autoContinue, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.autoGen != gen || s.fsm.Speaking() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		metricAutoContinues.Inc()
		_, _ = d.turnLocked(ctx, sessionID, s, "auto_continue")
	})
}

func (s *sessState) cancelAutoLocked() {
	s.autoGen++
	if s.autoTimer != nil {
		s.autoTimer.Stop()
		s.autoTimer = nil
	}
}

func (d *Dispatcher) bargeIn(ctx context.Context, sessionID string, s *sessState, utteranceID string) {
	s.stopping = true
	cmdID := uuid.New().String()
	s.pendingCmdID = cmdID
	out := workerws.Message{
		Type:        workerws.TypeStopTTS,
		TsMs:        time.Now().UnixMilli(),
		SessionID:   sessionID,
		CommandID:   cmdID,
		UtteranceID: utteranceID,
		Payload:     map[string]any{"mode": "current"},
	}
	// Best-effort send; append event regardless
	_ = d.reg.SendJSON(ctx, sessionID, out)
	d.store.AppendEvent(sessionID, "stop_tts_sent", map[string]any{"command_id": cmdID, "utterance_id": utteranceID})
	metricBargeIns.Inc()

	sess, ok := d.sessions.Get(sessionID)
	if !ok || !sess.Interrupt() {
		return
	}
	d.store.AppendEvent(sessionID, "interrupt", map[string]any{"honoured": true, "utterance_id": utteranceID})
	_, _ = d.turnLocked(ctx, sessionID, s, "barge_in")
}

func (d *Dispatcher) turnLocked(ctx context.Context, sessionID string, s *sessState, trigger string) (tutor.Directive, error) {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return tutor.Directive{}, ErrUnknownSession
	}
	dir, err := sess.Advance(ctx)
	if err != nil {
		if errors.Is(err, tutor.ErrSessionFailed) {
			_ = d.store.SetStatus(sessionID, types.StatusFailed)
			d.store.AppendEvent(sessionID, "session_failed", map[string]any{"error": err.Error()})
		}
		d.log.Error("advance failed", zap.String("session_id", sessionID), zap.Error(err))
		return tutor.Directive{}, err
	}
	metricTurns.WithLabelValues(trigger).Inc()
	// The welcome line rides on the first delivered fragment, which may
	// follow a gate or a question.
	if !s.introduced && dir.Kind == tutor.KindDeliver {
		s.introduced = true
		dir.Text = mode.Intro(sess.Mode()) + " " + dir.Text
	}
	s.lastKind = dir.Kind
	s.lastSayAllow = dir.AllowInterruptions

	evt := map[string]any{"kind": dir.Kind.String(), "trigger": trigger}
	if dir.FragmentID != "" {
		evt["fragment_id"] = dir.FragmentID
	}
	if dir.Milestone > 0 {
		evt["milestone"] = dir.Milestone
	}
	if dir.Replay {
		evt["replay"] = true
	}
	if dir.Fallback {
		evt["fallback"] = true
	}
	d.store.AppendEvent(sessionID, "directive", evt)

	uttID := uuid.New().String()
	s.lastSay = uttID
	out := workerws.Message{
		Type:        workerws.TypeSay,
		TsMs:        time.Now().UnixMilli(),
		SessionID:   sessionID,
		CommandID:   uuid.New().String(),
		UtteranceID: uttID,
		Payload: map[string]any{
			"kind":                   dir.Kind.String(),
			"text":                   dir.Text,
			"fragment_id":            dir.FragmentID,
			"allow_interruptions":    dir.AllowInterruptions,
			"requires_understanding": dir.RequiresUnderstanding,
			"instructions":           dir.Instructions,
			"replay":                 dir.Replay,
		},
	}
	if err := d.reg.SendJSON(ctx, sessionID, out); err != nil && !errors.Is(err, workerws.ErrNoWorker) {
		d.log.Warn("send say failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return dir, nil
}

func (d *Dispatcher) invalid(sessionID, reason string) {
	workerws.MetricSignalsInvalid.WithLabelValues(reason).Inc()
	d.store.AppendEvent(sessionID, "signal_ignored", map[string]any{"reason": reason})
}
