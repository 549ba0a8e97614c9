package health

import (
	"context"
	"fmt"
	"time"

	"yuzu/tutor/internal/corpus"
)

type CheckResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.LatencyMS)
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Checker is one named dependency probe.
type Checker struct {
	Name  string
	Probe func(ctx context.Context) error
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, checks ...Checker) HealthStatus {
	results := make([]CheckResult, 0, len(checks))
	allOK := true
	for _, c := range checks {
		r := run(ctx, c)
		if !r.OK {
			allOK = false
		}
		results = append(results, r)
	}
	return HealthStatus{
		OK:        allOK,
		Checks:    results,
		CheckedAt: time.Now().UTC(),
	}
}

func run(ctx context.Context, c Checker) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Probe(ctx); err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}

// Corpus fails when the server fell back to the placeholder lesson.
func Corpus(c *corpus.Corpus) Checker {
	return Checker{Name: "corpus", Probe: func(context.Context) error {
		if c == nil || c.TotalFragments() == 0 {
			return fmt.Errorf("corpus not loaded")
		}
		if c.Len() == 1 && c.Section(0).Heading == corpus.Placeholder().Section(0).Heading {
			return fmt.Errorf("serving placeholder corpus")
		}
		return nil
	}}
}

// Redis wraps a ping func, e.g. (*notify.Redis).Ping.
func Redis(ping func(ctx context.Context) error) Checker {
	return Checker{Name: "redis", Probe: ping}
}
