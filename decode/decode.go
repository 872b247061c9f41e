// Package decode turns per-timestep class probabilities into label
// sequences.
//
// Probabilities are row-per-timestep with the blank at class 0, so the
// decoded labels are codec indices starting at 1.
package decode

import (
	"math"

	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyctc"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

// DefaultBlankThresh is the blank cutoff used by a PrefixSearch with a
// zero threshold. Blanks with log-probability above it are taken
// greedily.
const DefaultBlankThresh = -1e-3

// Greedy is the best-path decoder: it takes the most likely class at
// every timestep, collapses repeats and drops blanks.
type Greedy struct{}

// Decode decodes one sequence of probability rows.
func (g Greedy) Decode(probs [][]float64) []int {
	var res []int
	prev := 0
	for _, row := range probs {
		best := 0
		for i, x := range row {
			if x > row[best] {
				best = i
			}
		}
		if best != 0 && best != prev {
			res = append(res, best)
		}
		prev = best
	}
	return res
}

// PrefixSearch decodes by searching over labelings rather than paths,
// so probability mass spread across alignments of the same labeling is
// summed instead of lost.
//
// Runs of confident blanks split the sequence into independently
// searched chunks; BlankThresh controls how confident a blank must be.
// A zero BlankThresh means DefaultBlankThresh.
type PrefixSearch struct {
	BlankThresh float64
}

// Decode decodes one sequence of probability rows.
func (p PrefixSearch) Decode(probs [][]float64) []int {
	if len(probs) == 0 {
		return nil
	}
	thresh := p.BlankThresh
	if thresh == 0 {
		thresh = DefaultBlankThresh
	}

	// The search wants log-probabilities with the blank last.
	c := anyvec64.DefaultCreator{}
	seq := make([]anyvec.Vector, len(probs))
	for i, row := range probs {
		rolled := make([]float64, len(row))
		copy(rolled, row[1:])
		rolled[len(row)-1] = row[0]
		for j, x := range rolled {
			rolled[j] = math.Log(x)
		}
		seq[i] = c.MakeVectorData(rolled)
	}
	seqs := anyseq.ConstSeqList(c, [][]anyvec.Vector{seq})

	labels := anyctc.BestLabels(seqs, thresh)[0]
	res := make([]int, len(labels))
	for i, l := range labels {
		res[i] = l + 1
	}
	return res
}
