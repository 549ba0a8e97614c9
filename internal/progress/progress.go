// Package progress turns coverage counts into percentages and one-time
// milestone announcements.
package progress

import (
	"bytes"
	"fmt"
	"text/template"
)

// TerminalThreshold is where the completion annotation applies. Integer
// division at small corpus sizes can leave the final band at 99, so anything
// from here up counts as done.
const TerminalThreshold = 98

const (
	DefaultStep       = 10
	defaultAnnotation = "(Important: The listener has completed {{.Threshold}}% of the material. Tell them this.) "
	defaultCompletion = "Congratulations on completing the material! "
)

// DefaultLandmarks are the extra lines attached at specific thresholds.
var DefaultLandmarks = map[int]string{
	50: "You're halfway through! Keep up the great work. ",
	80: "Almost there! Just a bit more to go. ",
}

const genericLandmark = "Keep going, you're making great progress. "

// Landmarks picks the landmark lines for the given thresholds, using the
// default wording where there is one.
func Landmarks(thresholds []int) map[int]string {
	out := make(map[int]string, len(thresholds))
	for _, t := range thresholds {
		if text, ok := DefaultLandmarks[t]; ok {
			out[t] = text
			continue
		}
		out[t] = genericLandmark
	}
	return out
}

// Milestone is the result of a band check.
type Milestone struct {
	Crossed    bool
	Threshold  int
	Annotation string
}

// Terminal reports whether the milestone announces completion.
func (m Milestone) Terminal() bool { return m.Crossed && m.Threshold >= TerminalThreshold }

type Config struct {
	Step int
	// Annotation is a text/template executed with {Threshold int}.
	Annotation string
	Landmarks  map[int]string
	Completion string
	// CompletionCode, when set, is appended to the completion line.
	CompletionCode string
}

// Tracker is immutable once built and safe to share across sessions.
type Tracker struct {
	total      int
	step       int
	tmpl       *template.Template
	landmarks  map[int]string
	completion string
}

// New builds a tracker for a corpus of total fragments.
func New(total int, cfg Config) (*Tracker, error) {
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if cfg.Step > 100 {
		return nil, fmt.Errorf("progress: step %d out of range", cfg.Step)
	}
	if cfg.Annotation == "" {
		cfg.Annotation = defaultAnnotation
	}
	if cfg.Landmarks == nil {
		cfg.Landmarks = DefaultLandmarks
	}
	if cfg.Completion == "" {
		cfg.Completion = defaultCompletion
	}
	if cfg.CompletionCode != "" {
		cfg.Completion += fmt.Sprintf("The code is '%s'. ", cfg.CompletionCode)
	}
	tmpl, err := template.New("milestone").Option("missingkey=error").Parse(cfg.Annotation)
	if err != nil {
		return nil, fmt.Errorf("progress: parse annotation: %w", err)
	}
	return &Tracker{
		total:      total,
		step:       cfg.Step,
		tmpl:       tmpl,
		landmarks:  cfg.Landmarks,
		completion: cfg.Completion,
	}, nil
}

func (t *Tracker) Step() int  { return t.step }
func (t *Tracker) Total() int { return t.total }

// Percentage is floor(covered/total*100), 0 for an empty corpus.
func (t *Tracker) Percentage(covered int) int {
	if t.total == 0 {
		return 0
	}
	return covered * 100 / t.total
}

// Check decides whether current has left the band last was announced in.
// Calling it again with the returned threshold as last does not cross again.
func (t *Tracker) Check(current, last int) (Milestone, error) {
	if current <= last+t.step {
		return Milestone{Threshold: last}, nil
	}
	threshold := (current / t.step) * t.step
	text, err := t.annotate(threshold)
	if err != nil {
		return Milestone{Threshold: last}, err
	}
	return Milestone{Crossed: true, Threshold: threshold, Annotation: text}, nil
}

// Final forces the completion annotation once coverage is full but the band
// rule did not fire (e.g. last=90, step=10, current=100).
func (t *Tracker) Final(current, last int) (Milestone, error) {
	if current < 100 || last >= TerminalThreshold {
		return Milestone{Threshold: last}, nil
	}
	text, err := t.annotate(100)
	if err != nil {
		return Milestone{Threshold: last}, err
	}
	return Milestone{Crossed: true, Threshold: 100, Annotation: text}, nil
}

func (t *Tracker) annotate(threshold int) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, struct{ Threshold int }{threshold}); err != nil {
		return "", fmt.Errorf("progress: render annotation: %w", err)
	}
	switch {
	case threshold >= TerminalThreshold:
		buf.WriteString(t.completion)
	default:
		buf.WriteString(t.landmarks[threshold])
	}
	return buf.String(), nil
}
