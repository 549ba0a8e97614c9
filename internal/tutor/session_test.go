package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuzu/tutor/internal/corpus"
	"yuzu/tutor/internal/mode"
	"yuzu/tutor/internal/progress"
)

func buildCorpus(t *testing.T, frags ...corpus.Fragment) *corpus.Corpus {
	t.Helper()
	c, err := corpus.Build(frags)
	require.NoError(t, err)
	return c
}

// A = [a1, a2], B = [b1]
func abCorpus(t *testing.T) *corpus.Corpus {
	return buildCorpus(t,
		corpus.Fragment{ID: "a1", Text: "## A\nalpha one"},
		corpus.Fragment{ID: "a2", Text: "alpha two"},
		corpus.Fragment{ID: "b1", Text: "## B\nbeta one"},
	)
}

// flatCorpus has n fragments in a single section.
func flatCorpus(t *testing.T, n int) *corpus.Corpus {
	frags := make([]corpus.Fragment, n)
	for i := range frags {
		frags[i] = corpus.Fragment{ID: fmt.Sprintf("f%02d", i), Text: fmt.Sprintf("fragment %d", i)}
	}
	frags[0].Text = "## Only\n" + frags[0].Text
	return buildCorpus(t, frags...)
}

func newSession(t *testing.T, m mode.Mode, c *corpus.Corpus, opts Options) *Session {
	t.Helper()
	s, err := New("room-1", m, c, opts)
	require.NoError(t, err)
	return s
}

func advance(t *testing.T, s *Session) Directive {
	t.Helper()
	d, err := s.Advance(context.Background())
	require.NoError(t, err)
	return d
}

func TestTwoSectionWalkthroughUserLed(t *testing.T) {
	c := abCorpus(t)
	tr, err := progress.New(c.TotalFragments(), progress.Config{Step: 33})
	require.NoError(t, err)
	s := newSession(t, mode.UserLed, c, Options{Tracker: tr})

	d := advance(t, s)
	assert.Equal(t, KindDeliver, d.Kind)
	assert.Equal(t, "a1", d.FragmentID)
	assert.Equal(t, "alpha one", d.Text)
	assert.True(t, d.AllowInterruptions)
	assert.Zero(t, d.Milestone)

	d = advance(t, s)
	assert.Equal(t, "a2", d.FragmentID)
	assert.Equal(t, 66, d.Milestone)
	assert.True(t, strings.HasSuffix(d.Text, "alpha two"))
	assert.Contains(t, d.Text, "66%")

	d = advance(t, s)
	assert.Equal(t, "b1", d.FragmentID)
	assert.Equal(t, 99, d.Milestone)
	assert.Contains(t, d.Text, "Congratulations")

	for i := 0; i < 3; i++ {
		d = advance(t, s)
		assert.Equal(t, KindComplete, d.Kind)
		assert.Equal(t, MessageComplete, d.Text)
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, s.Covered())
}

func TestTerminationDeliversEveryFragmentInOrder(t *testing.T) {
	c := buildCorpus(t,
		corpus.Fragment{ID: "c1", Text: "## Gamma\ng1"},
		corpus.Fragment{ID: "c2", Text: "g2"},
		corpus.Fragment{ID: "a1", Text: "## Alpha\na1"},
		corpus.Fragment{ID: "b1", Text: "## Beta\nb1"},
		corpus.Fragment{ID: "b2", Text: "b2"},
		corpus.Fragment{ID: "b3", Text: "b3"},
	)
	s := newSession(t, mode.UserLed, c, Options{})

	var got []string
	for i := 0; i < c.TotalFragments(); i++ {
		d := advance(t, s)
		require.Equal(t, KindDeliver, d.Kind)
		got = append(got, d.FragmentID)
	}
	assert.Equal(t, []string{"a1", "b1", "b2", "b3", "c1", "c2"}, got)
	for i := 0; i < 5; i++ {
		assert.Equal(t, KindComplete, advance(t, s).Kind)
	}
	p := s.Progress()
	assert.True(t, p.Complete)
	assert.Equal(t, 100, p.Percent)
}

func TestCoverageMonotonicUnderSignals(t *testing.T) {
	c := flatCorpus(t, 12)
	s := newSession(t, mode.HandRaise, c, Options{})

	delivered := map[string]bool{}
	prev := 0
	for i := 0; i < 60; i++ {
		switch i % 5 {
		case 1:
			s.RaiseHand()
		case 3:
			s.RaiseHand()
			s.RaiseHand()
		case 4:
			s.LowerHand()
		}
		d := advance(t, s)
		if d.Kind == KindDeliver && !d.Replay {
			require.False(t, delivered[d.FragmentID], "fragment %s delivered twice", d.FragmentID)
			delivered[d.FragmentID] = true
		}
		n := len(s.Covered())
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
	assert.Len(t, delivered, 12)
}

func TestAgentLedGate(t *testing.T) {
	s := newSession(t, mode.AgentLed, abCorpus(t), Options{})

	d := advance(t, s)
	assert.Equal(t, "a1", d.FragmentID)
	assert.False(t, d.RequiresUnderstanding)
	d = advance(t, s)
	assert.Equal(t, "a2", d.FragmentID)
	assert.True(t, d.RequiresUnderstanding, "last fragment before a gated section")

	before := s.Progress()
	for i := 0; i < 3; i++ {
		d = advance(t, s)
		assert.Equal(t, KindAwaitGate, d.Kind)
		assert.Equal(t, MessageAwaitGate, d.Text)
	}
	after := s.Progress()
	assert.Equal(t, before.Covered, after.Covered)
	assert.False(t, after.ComprehensionConfirmed)
	assert.Equal(t, 1, after.Section)

	s.ConfirmUnderstanding()
	d = advance(t, s)
	assert.Equal(t, "b1", d.FragmentID)
	assert.False(t, d.RequiresUnderstanding, "no section follows")
	assert.Equal(t, KindComplete, advance(t, s).Kind)
	assert.False(t, s.Progress().ComprehensionConfirmed, "reset at the section boundary")
}

func TestRequiresUnderstandingOnlyBeforeGate(t *testing.T) {
	for _, m := range []mode.Mode{mode.UserLed, mode.HandRaise} {
		s := newSession(t, m, abCorpus(t), Options{})
		for d := advance(t, s); d.Kind != KindComplete; d = advance(t, s) {
			assert.False(t, d.RequiresUnderstanding, "%s %s", m, d.FragmentID)
		}
	}
}

func TestAgentLedGateFirstSection(t *testing.T) {
	s := newSession(t, mode.AgentLed, abCorpus(t), Options{GateFirstSection: true})
	assert.Equal(t, KindAwaitGate, advance(t, s).Kind)
	s.ConfirmUnderstanding()
	assert.Equal(t, "a1", advance(t, s).FragmentID)
}

func TestGateIgnoredOutsideAgentLed(t *testing.T) {
	for _, m := range []mode.Mode{mode.UserLed, mode.HandRaise} {
		s := newSession(t, m, abCorpus(t), Options{GateFirstSection: true})
		for _, want := range []string{"a1", "a2", "b1"} {
			assert.Equal(t, want, advance(t, s).FragmentID, m.String())
		}
	}
}

func TestHandRaisePrecedence(t *testing.T) {
	s := newSession(t, mode.HandRaise, abCorpus(t), Options{})

	d := advance(t, s)
	assert.Equal(t, "a1", d.FragmentID)
	assert.False(t, d.AllowInterruptions)

	s.RaiseHand()
	s.RaiseHand()
	d = advance(t, s)
	assert.Equal(t, KindAwaitQuestion, d.Kind)
	assert.Equal(t, MessageAwaitQuestion, d.Text)
	assert.False(t, s.Progress().HandRaised)

	d = advance(t, s)
	assert.Equal(t, "a2", d.FragmentID, "no fragment skipped")

	s.RaiseHand()
	s.LowerHand()
	assert.Equal(t, "b1", advance(t, s).FragmentID)

	s.RaiseHand()
	assert.Equal(t, KindAwaitQuestion, advance(t, s).Kind, "hand raise wins even at the end")
	assert.Equal(t, KindComplete, advance(t, s).Kind)
}

func TestHandRaiseIgnoredInUserLed(t *testing.T) {
	s := newSession(t, mode.UserLed, abCorpus(t), Options{})
	s.RaiseHand()
	assert.Equal(t, "a1", advance(t, s).FragmentID)
}

func TestMilestoneOncePerBand(t *testing.T) {
	c := flatCorpus(t, 10)
	tr, err := progress.New(10, progress.Config{Step: 10})
	require.NoError(t, err)
	s := newSession(t, mode.UserLed, c, Options{Tracker: tr})

	var bands []int
	for i := 0; i < 10; i++ {
		d := advance(t, s)
		if d.Milestone > 0 {
			bands = append(bands, d.Milestone)
			assert.NotEqual(t, fmt.Sprintf("fragment %d", i), d.Text)
		} else {
			assert.Equal(t, fmt.Sprintf("fragment %d", i), d.Text)
		}
	}
	assert.Equal(t, []int{20, 40, 60, 80, 100}, bands)
	assert.LessOrEqual(t, len(bands), 9)
}

func TestTerminalMilestoneCatchUp(t *testing.T) {
	// 20 fragments, step 10: the last fragment lands on 100 with 90 announced,
	// which the band rule alone does not cross.
	c := flatCorpus(t, 20)
	tr, err := progress.New(20, progress.Config{Step: 10, CompletionCode: "strawberry"})
	require.NoError(t, err)
	s := newSession(t, mode.UserLed, c, Options{Tracker: tr})

	var last Directive
	for i := 0; i < 20; i++ {
		last = advance(t, s)
	}
	assert.Equal(t, 100, last.Milestone)
	assert.Contains(t, last.Text, "strawberry")
}

func TestCompletionExactlyOnce(t *testing.T) {
	s := newSession(t, mode.UserLed, abCorpus(t), Options{})
	assert.False(t, s.NotifyOnce(), "not terminal yet")
	for i := 0; i < 3; i++ {
		advance(t, s)
	}
	assert.False(t, s.NotifyOnce(), "cursor has not left the last section")
	assert.Equal(t, KindComplete, advance(t, s).Kind)

	trues := 0
	for i := 0; i < 5; i++ {
		if s.NotifyOnce() {
			trues++
		}
		advance(t, s)
	}
	assert.Equal(t, 1, trues)
	assert.True(t, s.Progress().CompletionSignaled)
}

func TestNotifierFiresOnFirstComplete(t *testing.T) {
	var calls atomic.Int32
	n := NotifierFunc(func(_ context.Context, id string) error {
		assert.Equal(t, "room-1", id)
		calls.Add(1)
		return errors.New("publish failed")
	})
	s := newSession(t, mode.UserLed, abCorpus(t), Options{Notifier: n})
	for i := 0; i < 8; i++ {
		advance(t, s)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.NotifyOnce())
}

func TestRenderFailureFallsBackWithoutStateChange(t *testing.T) {
	c := abCorpus(t)
	tr, err := progress.New(c.TotalFragments(), progress.Config{Step: 10, Annotation: "{{.Missing}}"})
	require.NoError(t, err)
	s := newSession(t, mode.UserLed, c, Options{Tracker: tr})

	before := s.Progress()
	for i := 0; i < 2; i++ {
		d := advance(t, s)
		assert.Equal(t, KindDeliver, d.Kind)
		assert.True(t, d.Fallback)
		assert.True(t, d.AllowInterruptions)
		assert.Equal(t, MessageFallback, d.Text)
		assert.Empty(t, d.FragmentID)
	}
	assert.Equal(t, before, s.Progress())
	assert.Empty(t, s.Covered())
	assert.False(t, s.Interrupt(), "fallback is not an interruptible fragment")
}

func TestPanicFallsBackWithoutStateChange(t *testing.T) {
	var boom atomic.Bool
	policy := func(m mode.Mode, st mode.State) mode.Rules {
		if boom.Load() {
			panic("policy exploded")
		}
		return mode.Policy(m, st)
	}
	s := newSession(t, mode.UserLed, abCorpus(t), Options{Policy: policy})
	assert.Equal(t, "a1", advance(t, s).FragmentID)

	boom.Store(true)
	before := s.Progress()
	d := advance(t, s)
	assert.True(t, d.Fallback)
	assert.Equal(t, before, s.Progress())

	boom.Store(false)
	assert.Equal(t, "a2", advance(t, s).FragmentID, "same fragment retried")
}

func TestStateInvariantFailsOnlyThatSession(t *testing.T) {
	c := abCorpus(t)
	bad := newSession(t, mode.UserLed, c, Options{})
	good := newSession(t, mode.UserLed, c, Options{})

	bad.mu.Lock()
	bad.st.section = 42
	bad.mu.Unlock()

	_, err := bad.Advance(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionFailed)
	var sie *StateInvariantError
	require.ErrorAs(t, err, &sie)
	assert.Equal(t, "room-1", sie.SessionID)

	_, again := bad.Advance(context.Background())
	assert.Equal(t, err, again)
	assert.NotEmpty(t, bad.Progress().Failed)
	assert.False(t, bad.Interrupt())

	assert.Equal(t, "a1", advance(t, good).FragmentID)
}

func TestInterruptReplaysFragment(t *testing.T) {
	s := newSession(t, mode.UserLed, abCorpus(t), Options{})
	assert.Equal(t, "a1", advance(t, s).FragmentID)
	assert.Equal(t, "a2", advance(t, s).FragmentID)

	require.True(t, s.Interrupt())
	assert.True(t, s.Progress().InterruptionPending)
	assert.False(t, s.Interrupt(), "already rewound")

	d := advance(t, s)
	assert.Equal(t, KindAnswerQuestion, d.Kind)
	assert.False(t, s.Interrupt(), "answer is not a fragment")

	d = advance(t, s)
	assert.Equal(t, "a2", d.FragmentID)
	assert.True(t, d.Replay)
	assert.Equal(t, []string{"a1", "a2"}, s.Covered())

	d = advance(t, s)
	assert.Equal(t, "b1", d.FragmentID)
	assert.False(t, d.Replay)
}

func TestInterruptRespectsPolicy(t *testing.T) {
	s := newSession(t, mode.HandRaise, abCorpus(t), Options{})
	assert.Equal(t, "a1", advance(t, s).FragmentID)
	assert.False(t, s.Interrupt(), "hand is down")

	s.RaiseHand()
	require.True(t, s.Interrupt())
	assert.Equal(t, KindAwaitQuestion, advance(t, s).Kind)
	d := advance(t, s)
	assert.Equal(t, "a1", d.FragmentID)
	assert.True(t, d.Replay)
	assert.Equal(t, "a2", advance(t, s).FragmentID)
}

func TestConcurrentSignalsAndAdvance(t *testing.T) {
	c := flatCorpus(t, 30)
	s := newSession(t, mode.HandRaise, c, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				switch i {
				case 0:
					s.RaiseHand()
				case 1:
					s.LowerHand()
				case 2:
					s.ConfirmUnderstanding()
				default:
					_ = s.Progress()
					_ = s.Interrupt()
				}
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		_, err := s.Advance(context.Background())
		require.NoError(t, err)
	}
	wg.Wait()

	done := false
	for i := 0; i < 200 && !done; i++ {
		d, err := s.Advance(context.Background())
		require.NoError(t, err)
		done = d.Kind == KindComplete
	}
	require.True(t, done)
	assert.Len(t, s.Covered(), 30)
}

func TestAdvanceHonoursContext(t *testing.T) {
	s := newSession(t, mode.UserLed, abCorpus(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Advance(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Covered())
}

func TestNewValidates(t *testing.T) {
	c := abCorpus(t)
	_, err := New("x", mode.Mode(0), c, Options{})
	assert.Error(t, err)
	_, err = New("x", mode.UserLed, nil, Options{})
	assert.Error(t, err)
	tr, err := progress.New(7, progress.Config{})
	require.NoError(t, err)
	_, err = New("x", mode.UserLed, c, Options{Tracker: tr})
	assert.Error(t, err)
}

func TestDirectiveKindText(t *testing.T) {
	for k := KindDeliver; k <= KindComplete; k++ {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, k, back)
	}
	_, err := Kind(0).MarshalText()
	assert.Error(t, err)
}
