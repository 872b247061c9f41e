package graph

import (
	"math"

	"github.com/agnivade/levenshtein"
	"github.com/mobigelow/calamari"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyctc"
	"golang.org/x/text/unicode/bidi"
)

// A Model pairs a Graph with its training objective and metrics.
type Model struct {
	Graph *Graph
}

// Loss computes the per-sample CTC negative log likelihood of the
// labels given a forward pass.
//
// Labels are codec indices starting at 1; they are shifted down to the
// 0-based blank-last space the CTC cost works in. Degenerate ground
// truth (empty label sequences) is allowed. If every sample in the
// batch had length zero, the result is a zero-length cost vector.
func (m *Model) Loss(out *Output, labels [][]int) anydiff.Res {
	shifted := make([][]int, len(labels))
	for i, label := range labels {
		shifted[i] = make([]int, len(label))
		for j, l := range label {
			shifted[i][j] = l - 1
		}
	}
	return anyctc.Cost(out.LogProbs, shifted)
}

// CER computes the per-sample character error rate: the edit distance
// between decoded and truth labels, normalized by the truth length.
//
// An empty truth yields 0 against an empty decoding and +Inf
// otherwise.
func (m *Model) CER(decoded, truth [][]int) []float64 {
	res := make([]float64, len(decoded))
	for i, d := range decoded {
		gt := truth[i]
		if len(gt) == 0 {
			if len(d) > 0 {
				res[i] = math.Inf(1)
			}
			continue
		}
		res[i] = float64(editDistance(d, gt)) / float64(len(gt))
	}
	return res
}

// PrintEvaluate renders one decoded sample next to its ground truth
// through the codec and post-processor, and prints both lines with the
// printFn. Each line is wrapped in explicit directional marks so mixed
// left-to-right and right-to-left text stays readable. It returns the
// character error rate of the rendered strings.
func (m *Model) PrintEvaluate(decoded, truth []int, codec calamari.Codec,
	post calamari.TextPostProcessor, printFn func(string)) float64 {

	pred := codec.Decode(decoded)
	gt := codec.Decode(truth)
	if post != nil {
		pred = post.Apply(pred)
		gt = post.Apply(gt)
	}

	printFn("PRED: '" + directionWrap(pred) + "'")
	printFn("TRUE: '" + directionWrap(gt) + "'")

	if len(gt) == 0 {
		if len(pred) == 0 {
			return 0
		}
		return math.Inf(1)
	}
	dist := levenshtein.ComputeDistance(pred, gt)
	return float64(dist) / float64(len([]rune(gt)))
}

// directionWrap embeds s in an explicit directional run matching its
// dominant direction, closed by a pop mark.
func directionWrap(s string) string {
	var p bidi.Paragraph
	p.SetString(s)
	if o, err := p.Order(); err != nil || o.NumRuns() == 0 || p.IsLeftToRight() {
		return "\u202a" + s + "\u202c"
	}
	return "\u202b" + s + "\u202c"
}

func editDistance(a, b []int) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
