// Package comprehension decides whether a listener's answer demonstrates
// understanding. Sessions never call it; the dispatcher and the HTTP API do
// and then confirm on the session.
package comprehension

import (
	"context"
	"fmt"
	"strings"
)

type Evaluator interface {
	Understood(ctx context.Context, response string) (bool, error)
}

// Always accepts any answer.
type Always struct{}

func (Always) Understood(context.Context, string) (bool, error) { return true, nil }

// MinWords accepts answers with at least N words.
type MinWords struct {
	N int
}

func (m MinWords) Understood(_ context.Context, response string) (bool, error) {
	return len(strings.Fields(response)) >= m.N, nil
}

const (
	KindAlways   = "always"
	KindMinWords = "min_words"
)

// FromConfig maps the tutor.comprehension setting to an evaluator.
func FromConfig(kind string, minWords int) (Evaluator, error) {
	switch strings.ToLower(kind) {
	case "", KindAlways:
		return Always{}, nil
	case KindMinWords:
		if minWords <= 0 {
			return nil, fmt.Errorf("comprehension: min_words needs a positive count, got %d", minWords)
		}
		return MinWords{N: minWords}, nil
	}
	return nil, fmt.Errorf("comprehension: unknown evaluator %q", kind)
}
