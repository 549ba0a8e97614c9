// Package tutor holds the per-room sequencing state machine. A Session walks
// the shared corpus section by section and answers every turn with a
// Directive; out-of-band signals (hand raised, understanding confirmed,
// barge-in) are applied under the same lock so they are observed on the next
// Advance and never mid-update.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"yuzu/tutor/internal/corpus"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/progress"
)

// Notifier receives the session complete signal, at most once per session.
type Notifier interface {
	SessionComplete(ctx context.Context, sessionID string) error
}

type NotifierFunc func(ctx context.Context, sessionID string) error

func (f NotifierFunc) SessionComplete(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

type Options struct {
	// Tracker defaults to progress.New(corpus total, progress.Config{}).
	Tracker *progress.Tracker
	// GateFirstSection makes AGENT_LED sessions wait for confirmation before
	// the very first fragment.
	GateFirstSection bool
	// Notifier, when set, is fired by Advance on the first Complete and
	// consumes the NotifyOnce gate.
	Notifier Notifier
	Policy   func(mode.Mode, mode.State) mode.Rules
	Logger   *zap.Logger
}

// state is everything Advance may change. Advance works on a copy and only
// commits it when the directive was computed cleanly.
type state struct {
	section  int
	fragment int

	handRaised          bool
	confirmed           bool
	interruptionPending bool
	replayPending       bool
	lastMilestone       int
}

type delivered struct {
	section  int
	fragment int
	allow    bool
}

type Session struct {
	id       string
	mode     mode.Mode
	corpus   *corpus.Corpus
	tracker  *progress.Tracker
	notifier Notifier
	policy   func(mode.Mode, mode.State) mode.Rules
	log      *zap.Logger

	mu                 sync.Mutex
	st                 state
	covered            map[string]struct{}
	order              []string
	last               *delivered
	completionSignaled bool
	failed             error
}

func New(id string, m mode.Mode, c *corpus.Corpus, opts Options) (*Session, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("tutor: invalid mode %d", int(m))
	}
	if c == nil || c.Len() == 0 {
		return nil, errors.New("tutor: corpus has no sections")
	}
	tr := opts.Tracker
	if tr == nil {
		var err error
		if tr, err = progress.New(c.TotalFragments(), progress.Config{}); err != nil {
			return nil, err
		}
	} else if tr.Total() != c.TotalFragments() {
		return nil, fmt.Errorf("tutor: tracker total %d does not match corpus total %d", tr.Total(), c.TotalFragments())
	}
	policy := opts.Policy
	if policy == nil {
		policy = mode.Policy
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		id:       id,
		mode:     m,
		corpus:   c,
		tracker:  tr,
		notifier: opts.Notifier,
		policy:   policy,
		log:      log.With(zap.String("session_id", id), zap.Stringer("mode", m)),
		covered:  make(map[string]struct{}, c.TotalFragments()),
	}
	s.st.confirmed = !(m == mode.AgentLed && opts.GateFirstSection)
	return s, nil
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Mode() mode.Mode { return s.mode }

// Advance returns the next directive. Calls on one session are serialized.
// The only errors are context cancellation and a broken state invariant;
// everything else is answered with the fallback directive and leaves the
// session where it was.
func (s *Session) Advance(ctx context.Context) (Directive, error) {
	if err := ctx.Err(); err != nil {
		return Directive{}, err
	}
	s.mu.Lock()
	if s.failed != nil {
		s.mu.Unlock()
		return Directive{}, s.failed
	}
	d, err := s.step()
	fire := err == nil && d.Kind == KindComplete && s.notifier != nil && s.notifyOnceLocked()
	s.mu.Unlock()

	if err != nil {
		return Directive{}, err
	}
	metricDirectives.WithLabelValues(s.mode.String(), d.Kind.String()).Inc()
	if fire {
		if nerr := s.notifier.SessionComplete(ctx, s.id); nerr != nil {
			s.log.Error("completion notify failed", zap.Error(nerr))
		}
	}
	return d, nil
}

func (s *Session) step() (d Directive, err error) {
	next := s.st
	defer func() {
		if r := recover(); r != nil {
			d, err = s.fallbackLocked(&TransientDeliveryError{Err: fmt.Errorf("panic: %v", r)}), nil
		}
	}()

	d, added, err := s.compute(&next)
	if err != nil {
		var tde *TransientDeliveryError
		if errors.As(err, &tde) {
			return s.fallbackLocked(tde), nil
		}
		s.failLocked(err)
		return Directive{}, err
	}
	if err := s.verify(next, added); err != nil {
		s.failLocked(err)
		return Directive{}, err
	}

	prev := s.st
	s.st = next
	if added != "" {
		s.covered[added] = struct{}{}
		s.order = append(s.order, added)
	}
	if d.Kind == KindDeliver {
		s.last = &delivered{section: next.section, fragment: next.fragment - 1, allow: d.AllowInterruptions}
	} else {
		s.last = nil
	}
	if d.Milestone > 0 {
		metricMilestones.WithLabelValues(strconv.Itoa(d.Milestone)).Inc()
	}
	if next.section != prev.section {
		s.log.Debug("section started", zap.Int("section", next.section))
	}
	s.log.Debug("directive",
		zap.Stringer("kind", d.Kind),
		zap.String("fragment_id", d.FragmentID),
		zap.Bool("allow_interruptions", d.AllowInterruptions),
		zap.Bool("replay", d.Replay),
		zap.Int("milestone", d.Milestone),
	)
	return d, nil
}

// compute is the sequencing algorithm. It only touches st and returns the id
// of a newly covered fragment, if any.
func (s *Session) compute(st *state) (Directive, string, error) {
	sections := s.corpus.Sections()
	rules := func() mode.Rules {
		return s.policy(s.mode, mode.State{HandRaised: st.handRaised, ComprehensionConfirmed: st.confirmed})
	}

	// Each pass either returns or moves to the next section.
	for pass := 0; pass <= len(sections)+1; pass++ {
		if s.mode == mode.HandRaise && st.handRaised {
			st.handRaised = false
			st.interruptionPending = false
			return Directive{Kind: KindAwaitQuestion, Text: MessageAwaitQuestion, AllowInterruptions: true, Instructions: rules().Directive}, "", nil
		}
		if st.interruptionPending {
			st.interruptionPending = false
			return Directive{Kind: KindAnswerQuestion, Text: MessageAnswer, AllowInterruptions: true, Instructions: rules().Directive}, "", nil
		}
		if st.section >= len(sections) {
			return Directive{Kind: KindComplete, Text: MessageComplete, AllowInterruptions: true}, "", nil
		}
		r := rules()
		if r.RequiresGate && !st.confirmed {
			return Directive{
				Kind:                  KindAwaitGate,
				Text:                  MessageAwaitGate,
				AllowInterruptions:    r.AllowInterruptions,
				RequiresUnderstanding: true,
				Instructions:          r.Directive,
			}, "", nil
		}
		sec := sections[st.section]
		if st.fragment >= len(sec.Fragments) {
			if s.mode == mode.AgentLed {
				st.confirmed = false
			}
			st.section++
			st.fragment = 0
			continue
		}

		frag := sec.Fragments[st.fragment]
		st.fragment++
		d := Directive{
			Kind:               KindDeliver,
			FragmentID:         frag.ID,
			Text:               frag.Text,
			AllowInterruptions: r.AllowInterruptions,
			Instructions:       r.Directive,
			// Ask for a comprehension check once the section is done if the
			// next section will be gated.
			RequiresUnderstanding: st.fragment == len(sec.Fragments) && st.section+1 < len(sections) &&
				s.policy(s.mode, mode.State{HandRaised: st.handRaised}).RequiresGate,
		}
		_, seen := s.covered[frag.ID]
		if st.replayPending {
			st.replayPending = false
			if seen {
				d.Replay = true
				return d, "", nil
			}
		}
		if seen {
			return Directive{}, "", &StateInvariantError{SessionID: s.id, Detail: "fragment " + frag.ID + " already covered"}
		}

		count := len(s.covered) + 1
		pct := s.tracker.Percentage(count)
		m, err := s.tracker.Check(pct, st.lastMilestone)
		if err != nil {
			return Directive{}, "", &TransientDeliveryError{Err: err}
		}
		if !m.Crossed && count == s.tracker.Total() {
			if m, err = s.tracker.Final(pct, st.lastMilestone); err != nil {
				return Directive{}, "", &TransientDeliveryError{Err: err}
			}
		}
		if m.Crossed {
			d.Text = m.Annotation + d.Text
			d.Milestone = m.Threshold
			st.lastMilestone = m.Threshold
		}
		return d, frag.ID, nil
	}
	return Directive{}, "", &StateInvariantError{SessionID: s.id, Detail: "advance did not settle within the section count"}
}

func (s *Session) verify(st state, added string) error {
	sections := s.corpus.Sections()
	bad := func(format string, args ...any) error {
		return &StateInvariantError{SessionID: s.id, Detail: fmt.Sprintf(format, args...)}
	}
	if st.section < 0 || st.section > len(sections) {
		return bad("section cursor %d outside [0,%d]", st.section, len(sections))
	}
	if st.section < len(sections) {
		if n := len(sections[st.section].Fragments); st.fragment < 0 || st.fragment > n {
			return bad("fragment cursor %d outside [0,%d]", st.fragment, n)
		}
	}
	n := len(s.covered)
	if added != "" {
		if !s.corpus.Contains(added) {
			return bad("covered id %q not in corpus", added)
		}
		n++
	}
	if n > s.corpus.TotalFragments() {
		return bad("covered %d of %d fragments", n, s.corpus.TotalFragments())
	}
	if st.lastMilestone < 0 || st.lastMilestone > 100 {
		return bad("milestone %d", st.lastMilestone)
	}
	return nil
}

func (s *Session) fallbackLocked(err *TransientDeliveryError) Directive {
	metricFallbacks.Inc()
	s.last = nil
	s.log.Warn("directive failed, sending fallback", zap.Error(err))
	return fallbackDirective()
}

func (s *Session) failLocked(err error) {
	var sie *StateInvariantError
	if !errors.As(err, &sie) {
		err = &StateInvariantError{SessionID: s.id, Detail: err.Error()}
	}
	s.failed = err
	metricSessionFailures.Inc()
	s.log.Error("session failed", zap.Error(err))
}

// RaiseHand is idempotent.
func (s *Session) RaiseHand() {
	s.mu.Lock()
	s.st.handRaised = true
	s.mu.Unlock()
	metricSignals.WithLabelValues("hand_raised").Inc()
}

func (s *Session) LowerHand() {
	s.mu.Lock()
	s.st.handRaised = false
	s.mu.Unlock()
	metricSignals.WithLabelValues("hand_lowered").Inc()
}

func (s *Session) ConfirmUnderstanding() {
	s.mu.Lock()
	s.st.confirmed = true
	s.mu.Unlock()
	metricSignals.WithLabelValues("understood").Inc()
}

// Interrupt records a barge-in on the fragment delivered last. The cursor is
// rewound to it, the next Advance answers the question and the one after
// replays the fragment. It returns false when the fragment was not
// interruptible or something other than a fragment was said since.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil || s.last == nil {
		return false
	}
	now := s.policy(s.mode, mode.State{HandRaised: s.st.handRaised, ComprehensionConfirmed: s.st.confirmed})
	if !s.last.allow && !now.AllowInterruptions {
		metricSignals.WithLabelValues("interrupt_ignored").Inc()
		return false
	}
	s.st.section = s.last.section
	s.st.fragment = s.last.fragment
	s.st.interruptionPending = true
	s.st.replayPending = true
	s.last = nil
	metricSignals.WithLabelValues("interrupt").Inc()
	return true
}

// NotifyOnce reports true exactly once, the first time it is called on a
// terminal session. When a Notifier is configured Advance consumes it.
func (s *Session) NotifyOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyOnceLocked()
}

func (s *Session) notifyOnceLocked() bool {
	if s.completionSignaled || s.st.section < s.corpus.Len() {
		return false
	}
	s.completionSignaled = true
	metricCompletions.Inc()
	s.log.Info("session complete", zap.Int("covered", len(s.covered)))
	return true
}

// Covered lists delivered fragment ids in delivery order.
func (s *Session) Covered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

type Progress struct {
	SessionID              string    `json:"session_id"`
	Mode                   mode.Mode `json:"mode"`
	Section                int       `json:"section"`
	Sections               int       `json:"sections"`
	Fragment               int       `json:"fragment"`
	Covered                int       `json:"covered"`
	Total                  int       `json:"total"`
	Percent                int       `json:"percent"`
	LastMilestone          int       `json:"last_milestone"`
	HandRaised             bool      `json:"hand_raised"`
	ComprehensionConfirmed bool      `json:"comprehension_confirmed"`
	InterruptionPending    bool      `json:"interruption_pending"`
	Complete               bool      `json:"complete"`
	CompletionSignaled     bool      `json:"completion_signaled"`
	Failed                 string    `json:"failed,omitempty"`
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		SessionID:              s.id,
		Mode:                   s.mode,
		Section:                s.st.section,
		Sections:               s.corpus.Len(),
		Fragment:               s.st.fragment,
		Covered:                len(s.covered),
		Total:                  s.tracker.Total(),
		Percent:                s.tracker.Percentage(len(s.covered)),
		LastMilestone:          s.st.lastMilestone,
		HandRaised:             s.st.handRaised,
		ComprehensionConfirmed: s.st.confirmed,
		InterruptionPending:    s.st.interruptionPending,
		Complete:               s.st.section >= s.corpus.Len(),
		CompletionSignaled:     s.completionSignaled,
	}
	if s.failed != nil {
		p.Failed = s.failed.Error()
	}
	return p
}
