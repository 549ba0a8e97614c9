package floor

import "testing"

func TestBargeInTriggersStop(t *testing.T) {
	f := New()
	f.OnTTSStarted("u1", 1000, true)
	f.OnFirstAudio()
	d := f.OnVADStart(1500)
	if !d.ShouldStop || d.Reason != "barge_in" || d.StopUtteranceID != "u1" {
		t.Fatalf("expected stop on barge-in, got %+v", d)
	}
}

func TestNoBargeInBeforeFirstAudio(t *testing.T) {
	f := New()
	f.OnTTSStarted("u1", 1000, true)
	if d := f.OnVADStart(1100); d.ShouldStop {
		t.Fatalf("should not stop during prebuffer, got %+v", d)
	}
}

func TestDisallowedInterruptionIsIgnored(t *testing.T) {
	f := New()
	f.OnTTSStarted("u1", 1000, false)
	f.OnFirstAudio()
	d := f.OnVADStart(1500)
	if d.ShouldStop || d.Reason != "interruptions_disallowed" {
		t.Fatalf("expected ignored speech, got %+v", d)
	}

	// hand goes up mid-utterance
	f.SetAllowInterruptions(true)
	if d := f.OnVADStart(1600); !d.ShouldStop {
		t.Fatalf("expected stop once interruptions allowed, got %+v", d)
	}
}

func TestVADIdleDoesNothing(t *testing.T) {
	f := New()
	d := f.OnVADStart(1000)
	if d.ShouldStop {
		t.Fatalf("should not stop when idle")
	}
}

func TestTTSStoppedClearsSpeaking(t *testing.T) {
	f := New()
	f.OnTTSStarted("u1", 1000, true)
	f.OnFirstAudio()
	d := f.OnTTSStopped("u1", 2000, "completed")
	if !d.Finished {
		t.Fatalf("completed stop should report finished, got %+v", d)
	}
	if d := f.OnVADStart(2500); d.ShouldStop {
		t.Fatalf("should not request stop after tts stopped")
	}
}

func TestStaleStopIgnored(t *testing.T) {
	f := New()
	f.OnTTSStarted("u2", 1000, true)
	f.OnTTSStopped("u1", 1100, "interrupted")
	if !f.Speaking() || f.ActiveUtterance() != "u2" {
		t.Fatalf("stale stop must not end current utterance")
	}
}
