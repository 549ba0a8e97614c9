package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// Decode reads a JSON array of {"id","text"} records in delivery order.
func Decode(r io.Reader) ([]Fragment, error) {
	var out []Fragment
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("corpus: decode: %w", err)
	}
	for i, f := range out {
		if f.ID == "" {
			return nil, fmt.Errorf("corpus: record %d has empty id", i)
		}
	}
	return out, nil
}

// LoadFile builds the corpus stored at path. An empty corpus is not fatal: the
// placeholder is returned and a warning logged. Any other failure is returned.
func LoadFile(path string, log *zap.Logger, opts ...Option) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open %s: %w", path, err)
	}
	defer f.Close()

	frags, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return FromFragments(frags, log, opts...)
}

// FromFragments is LoadFile without the file.
func FromFragments(frags []Fragment, log *zap.Logger, opts ...Option) (*Corpus, error) {
	c, err := Build(frags, opts...)
	var empty *EmptyCorpusError
	if errors.As(err, &empty) {
		log.Warn("empty corpus, using placeholder section",
			zap.Int("input", empty.Input),
			zap.Int("dropped", empty.Dropped))
		c = Placeholder()
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if c.Dropped() > 0 {
		log.Warn("fragments before first heading dropped", zap.Int("dropped", c.Dropped()))
	}
	metricFragmentsDropped.Set(float64(c.Dropped()))
	metricFragmentsTotal.Set(float64(c.TotalFragments()))
	log.Info("corpus indexed",
		zap.Int("sections", c.Len()),
		zap.Int("fragments", c.TotalFragments()))
	return c, nil
}
