package config

import (
	"fmt"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Expand turns a hyperparameter-mode Params into the ordered sequence of
// concrete parameter sets it encodes: the cartesian product over every
// field holding more than one candidate, iterated with the last-listed
// search key varying fastest. Keys are visited in sorted order, so the
// output order is deterministic for a given input.
//
// The concrete sets have Hyperparam cleared and no candidate map; each is
// validated as if it had been normalized directly. A Params outside
// hyperparameter mode expands to itself.
func (n *Normalizer) Expand(p *Params) ([]*Params, error) {
	if !p.Hyperparam {
		return []*Params{p}, nil
	}

	keys := p.SearchKeys()

	total := 1
	for _, key := range keys {
		total *= len(p.search[key])
	}
	if total > maxExpansion {
		return nil, apperrors.New(apperrors.CodeParamExpansion,
			fmt.Sprintf("hyperparameter grid of %d combinations exceeds the limit of %d", total, maxExpansion))
	}

	out := make([]*Params, 0, total)
	base := p.Clone()
	base.Hyperparam = false
	base.search = nil

	var walk func(depth int, cur *Params) error
	walk = func(depth int, cur *Params) error {
		if depth == len(keys) {
			concrete := cur.Clone()
			if err := n.finalize(concrete); err != nil {
				return err
			}
			out = append(out, concrete)
			return nil
		}
		key := keys[depth]
		spec := schema[key]
		for _, candidate := range p.search[key] {
			next := cur.Clone()
			if err := assignCandidate(next, key, spec, candidate); err != nil {
				return err
			}
			if err := walk(depth+1, next); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(0, base); err != nil {
		return nil, err
	}

	n.log.Info("expanded hyperparameter grid",
		logging.Int("combinations", len(out)),
		logging.Strings("search_keys", keys))
	return out, nil
}

// maxExpansion bounds the hyperparameter grid size so a typo in a candidate
// list cannot enqueue an unbounded number of runs.
const maxExpansion = 10000
