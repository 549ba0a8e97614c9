package corpus

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultHeadingMarker opens a new section when it prefixes a fragment's text.
const DefaultHeadingMarker = "##"

// Fragment is one conversational turn's worth of teaching content.
type Fragment struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Section is an ordered, non-empty run of fragments under one heading.
type Section struct {
	Heading   string
	Fragments []Fragment
}

// Corpus is the indexed, read-only teaching material shared by every session.
type Corpus struct {
	sections []Section
	index    map[string]struct{}
	total    int
	dropped  int
}

// EmptyCorpusError is returned by Build when no section could be formed.
type EmptyCorpusError struct {
	Input   int
	Dropped int
}

func (e *EmptyCorpusError) Error() string {
	return fmt.Sprintf("corpus: no sections formed from %d fragments (%d before first heading)", e.Input, e.Dropped)
}

type options struct {
	marker string
}

type Option func(*options)

// WithHeadingMarker overrides DefaultHeadingMarker.
func WithHeadingMarker(m string) Option {
	return func(o *options) {
		if m != "" {
			o.marker = m
		}
	}
}

// Build groups fragments into sections. A fragment whose text starts with the
// heading marker opens a section; fragments seen before any heading have no
// owning section and are dropped (see Dropped). Sections are stable-sorted by
// heading text, so equal headings keep corpus order.
func Build(fragments []Fragment, opts ...Option) (*Corpus, error) {
	o := options{marker: DefaultHeadingMarker}
	for _, fn := range opts {
		fn(&o)
	}

	var (
		sections []Section
		cur      *Section
		dropped  int
	)
	seen := make(map[string]struct{}, len(fragments))
	for _, f := range fragments {
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("corpus: duplicate fragment id %q", f.ID)
		}
		seen[f.ID] = struct{}{}

		if strings.HasPrefix(f.Text, o.marker) {
			heading, _, _ := strings.Cut(f.Text, "\n")
			sections = append(sections, Section{Heading: strings.TrimSpace(heading)})
			cur = &sections[len(sections)-1]
		}
		if cur == nil {
			dropped++
			continue
		}
		cur.Fragments = append(cur.Fragments, Fragment{ID: f.ID, Text: clean(f.Text, o.marker)})
	}

	if len(sections) == 0 {
		return nil, &EmptyCorpusError{Input: len(fragments), Dropped: dropped}
	}

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Heading < sections[j].Heading
	})
	return newCorpus(sections, dropped), nil
}

// Placeholder is the single-section corpus used when the real one is empty.
func Placeholder() *Corpus {
	return newCorpus([]Section{{
		Heading: DefaultHeadingMarker + " Default Section",
		Fragments: []Fragment{{
			ID:   "default_id",
			Text: "No content available. This is placeholder content.",
		}},
	}}, 0)
}

func newCorpus(sections []Section, dropped int) *Corpus {
	c := &Corpus{sections: sections, dropped: dropped, index: make(map[string]struct{})}
	for _, s := range sections {
		for _, f := range s.Fragments {
			c.index[f.ID] = struct{}{}
			c.total++
		}
	}
	return c
}

// clean strips the heading line from a section-opening fragment.
func clean(text, marker string) string {
	if strings.HasPrefix(text, marker) {
		_, rest, ok := strings.Cut(text, "\n")
		if !ok {
			return ""
		}
		text = rest
	}
	return strings.TrimSpace(text)
}

func (c *Corpus) Sections() []Section { return c.sections }

func (c *Corpus) Len() int { return len(c.sections) }

// Section returns the i-th section. It panics when i is out of range.
func (c *Corpus) Section(i int) Section { return c.sections[i] }

// TotalFragments counts fragments that belong to a section.
func (c *Corpus) TotalFragments() int { return c.total }

// Dropped counts fragments discarded because they preceded the first heading.
func (c *Corpus) Dropped() int { return c.dropped }

func (c *Corpus) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}
