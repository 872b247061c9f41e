// Package graph wires the layer stack into a full text-line recognition
// network: convolutional features, bidirectional LSTMs, class logits
// and CTC-ready log-probabilities, with per-sample sequence lengths
// carried through every downsampling layer.
//
// Class indices are blank-first on every exposed surface: class 0 is
// the CTC blank and classes 1..C-1 are codec entries. The CTC
// primitives want the blank last, so the logits are cyclically shifted
// before the log-softmax and shifted back wherever probabilities leave
// the package.
package graph

import (
	"errors"
	"math"

	"github.com/mobigelow/calamari/decode"
	"github.com/mobigelow/calamari/layers"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
)

// Params configures a Graph.
type Params struct {
	// Layers is the architecture in descriptor order.
	Layers []layers.Desc

	// Classes is the logit count, including the blank at index 0.
	Classes int

	// Dropout is the drop probability applied to the recurrent
	// output before the logits projection. Zero disables dropout.
	Dropout float64
}

// A Graph is an assembled recognition network.
//
// The weights are safe for concurrent forward passes once assembled;
// training updates must not run concurrently with inference.
type Graph struct {
	Stack   *layers.Stack
	Dropout *anynet.Dropout
	Out     *anynet.FC

	Classes  int
	InHeight int
	InDepth  int

	creator anyvec.Creator

	// realign pads inputs so every pooling stride divides evenly,
	// which keeps tap shapes compatible for Concat and Transposed
	// stages.
	realign bool
	poolX   int
	poolY   int

	// scaleNum/scaleDen relate output columns to input columns.
	scaleNum int
	scaleDen int
}

// New assembles a network for line images of the given height and
// channel count.
func New(c anyvec.Creator, p Params, inHeight, inDepth int) (*Graph, error) {
	if p.Classes < 2 {
		return nil, errors.New("new graph: need at least one non-blank class")
	}
	g := &Graph{
		Classes:  p.Classes,
		InHeight: inHeight,
		InDepth:  inDepth,
		creator:  c,
		poolX:    1,
		poolY:    1,
		scaleNum: 1,
		scaleDen: 1,
	}
	for _, d := range p.Layers {
		switch d := d.(type) {
		case layers.Pool:
			g.poolX *= d.Stride.X
			g.poolY *= d.Stride.Y
			g.scaleNum *= d.Stride.X
		case layers.Transposed:
			g.scaleDen *= d.Stride.X
			g.realign = true
		case layers.Concat:
			g.realign = true
		}
	}

	h := inHeight
	if g.realign {
		h += alignPad(h, g.poolY)
	}
	stack, err := layers.Assemble(c, p.Layers, h, inDepth)
	if err != nil {
		return nil, err
	}
	g.Stack = stack
	g.Out = anynet.NewFC(c, stack.OutSize, p.Classes)
	if p.Dropout > 0 {
		g.Dropout = &anynet.Dropout{KeepProb: 1 - p.Dropout}
	}
	return g, nil
}

// Creator returns the creator the weights were made with.
func (g *Graph) Creator() anyvec.Creator {
	return g.creator
}

// Parameters returns every learnable variable, layer stack first and
// the logits projection last.
func (g *Graph) Parameters() []*anydiff.Var {
	return append(g.Stack.Parameters(), g.Out.Parameters()...)
}

// OutputToInputPosition maps an output column index back to the input
// column it is aligned with.
func (g *Graph) OutputToInputPosition(x int) int {
	return x * g.scaleNum / g.scaleDen
}

// A Batch is a packed batch of line images.
//
// Images holds the samples back to back, each laid out as
// [time][height][depth] with every sample zero-extended along the time
// axis to Dims.Time. Lengths gives the true time extents.
type Batch struct {
	Images  anydiff.Res
	Dims    layers.Dims
	Lengths []int
}

// An Output is the result of one forward pass.
//
// When every sample in the batch has length zero, Logits and LogProbs
// are empty sequences with no timesteps.
type Output struct {
	// Logits holds the raw blank-first class logits per timestep.
	Logits anyseq.Seq

	// LogProbs holds the blank-last log-softmax distributions that
	// feed the CTC cost.
	LogProbs anyseq.Seq

	// Softmax holds, per sample, one blank-first probability row per
	// valid timestep.
	Softmax [][][]float64

	// Lengths holds the per-sample output sequence lengths.
	Lengths []int

	// Decoded holds the greedy decoding of every sample, as codec
	// indices starting at 1.
	Decoded [][]int
}

// DenseDecoded returns the decoded labelings as a rectangular matrix
// with 0 as the filler value.
func (o *Output) DenseDecoded() [][]int {
	var maxLen int
	for _, d := range o.Decoded {
		if len(d) > maxLen {
			maxLen = len(d)
		}
	}
	res := make([][]int, len(o.Decoded))
	for i, d := range o.Decoded {
		res[i] = make([]int, maxLen)
		copy(res[i], d)
	}
	return res
}

// Forward runs the network over a batch.
//
// Samples never attend past their own length: timesteps beyond a
// sample's downsampled length are absent from the recurrent input and
// from every output. Zero-length samples produce empty outputs.
func (g *Graph) Forward(b *Batch) *Output {
	n := len(b.Lengths)
	d := b.Dims
	if d.Height != g.InHeight || d.Depth != g.InDepth {
		panic("incorrect input geometry")
	}
	if b.Images.Output().Len() != n*d.Volume() {
		panic("incorrect input size")
	}

	cur, curDims := b.Images, d
	if g.realign {
		cur, curDims = g.realignPad(cur, curDims, n)
	}

	lengths := append([]int{}, b.Lengths...)
	taps := make([]anydiff.Res, 0, len(g.Stack.Conv))
	tapDims := make([]layers.Dims, 0, len(g.Stack.Conv))
	for _, st := range g.Stack.Conv {
		taps = append(taps, cur)
		tapDims = append(tapDims, curDims)
		switch desc := st.Desc.(type) {
		case layers.Concat:
			ins := make([]anydiff.Res, len(desc.Sources))
			dims := make([]layers.Dims, len(desc.Sources))
			for i, src := range desc.Sources {
				ins[i] = taps[src]
				dims[i] = tapDims[src]
			}
			cur, curDims = layers.ConcatDepth(ins, dims, n)
		case layers.Pool:
			cur, curDims = st.Layer.Apply(cur, n, curDims)
			// Floor division: a trailing partial window does not
			// count towards a sample's own length, even though the
			// padded tensor keeps the frame.
			for i, l := range lengths {
				lengths[i] = l / desc.Stride.X
			}
		case layers.Transposed:
			cur, curDims = st.Layer.Apply(cur, n, curDims)
			for i, l := range lengths {
				lengths[i] = l * desc.Stride.X
			}
		default:
			cur, curDims = st.Layer.Apply(cur, n, curDims)
		}
	}

	var maxLen int
	for i, l := range lengths {
		if l > curDims.Time {
			lengths[i] = curDims.Time
			l = curDims.Time
		}
		if l > maxLen {
			maxLen = l
		}
	}

	out := &Output{Lengths: lengths}
	if maxLen == 0 {
		empty := anyseq.ResSeq(g.creator, nil)
		out.Logits = empty
		out.LogProbs = empty
		out.Softmax = make([][][]float64, n)
		out.Decoded = make([][]int, n)
		return out
	}

	seq := sequence(cur, curDims, lengths, maxLen)
	for _, r := range g.Stack.Rnn {
		seq = r.Apply(seq)
	}

	out.Logits = anyseq.Map(seq, func(v anydiff.Res, n int) anydiff.Res {
		if g.Dropout != nil {
			v = g.Dropout.Apply(v, n)
		}
		return g.Out.Apply(v, n)
	})
	out.LogProbs = anyseq.Map(out.Logits, func(v anydiff.Res, n int) anydiff.Res {
		return anydiff.LogSoftmax(rollBlankLast(v, n, g.Classes), g.Classes)
	})

	out.Softmax = blankFirstProbs(out.LogProbs)
	out.Decoded = make([][]int, n)
	for i, rows := range out.Softmax {
		out.Decoded[i] = decode.Greedy{}.Decode(rows)
	}
	return out
}

func (g *Graph) realignPad(in anydiff.Res, d layers.Dims, n int) (anydiff.Res, layers.Dims) {
	padT := alignPad(d.Time, g.poolX)
	padH := alignPad(d.Height, g.poolY)
	if padT == 0 && padH == 0 {
		return in, d
	}
	pad := &anyconv.Padding{
		InputWidth:  d.Height,
		InputHeight: d.Time,
		InputDepth:  d.Depth,

		PaddingBottom: padT,
		PaddingRight:  padH,
	}
	return pad.Apply(in, n), layers.Dims{
		Time:   d.Time + padT,
		Height: d.Height + padH,
		Depth:  d.Depth,
	}
}

// sequence turns a packed sample-major feature tensor into a
// timestep-major sequence, truncating every sample to its own length.
//
// The feature tensor is pooled so the convolutional stack back-pass
// runs once even though every (sample, timestep) pair slices it.
func sequence(in anydiff.Res, d layers.Dims, lengths []int, maxLen int) anyseq.Seq {
	c := in.Output().Creator()
	pool := anydiff.NewVar(in.Output())
	feat := d.Height * d.Depth

	batches := make([]*anyseq.ResBatch, maxLen)
	for t := 0; t < maxLen; t++ {
		present := make([]bool, len(lengths))
		var parts []anydiff.Res
		for i, l := range lengths {
			if t >= l {
				continue
			}
			present[i] = true
			start := (i*d.Time + t) * feat
			parts = append(parts, anydiff.Slice(pool, start, start+feat))
		}
		batches[t] = &anyseq.ResBatch{
			Packed:  anydiff.Concat(parts...),
			Present: present,
		}
	}
	return &pooledSeq{
		In:   in,
		Pool: pool,
		Seq:  anyseq.ResSeq(c, batches),
	}
}

// pooledSeq funnels the sequence gradient through a single pool
// variable and hands it to the underlying tensor in one piece.
type pooledSeq struct {
	In   anydiff.Res
	Pool *anydiff.Var
	Seq  anyseq.Seq
}

func (p *pooledSeq) Creator() anyvec.Creator {
	return p.Seq.Creator()
}

func (p *pooledSeq) Output() []*anyseq.Batch {
	return p.Seq.Output()
}

func (p *pooledSeq) Vars() anydiff.VarSet {
	return p.In.Vars()
}

func (p *pooledSeq) Propagate(u []*anyseq.Batch, g anydiff.Grad) {
	c := p.Pool.Vector.Creator()
	g[p.Pool] = c.MakeVector(p.Pool.Vector.Len())
	p.Seq.Propagate(u, g)
	downstream := g[p.Pool]
	delete(g, p.Pool)
	p.In.Propagate(downstream, g)
}

// rollBlankLast cyclically shifts every row of logits one class to the
// left, moving the blank from index 0 to the end.
func rollBlankLast(v anydiff.Res, n, classes int) anydiff.Res {
	return anydiff.Pool(v, func(v anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, 0, 2*n)
		for i := 0; i < n; i++ {
			row := i * classes
			parts = append(parts, anydiff.Slice(v, row+1, row+classes))
			parts = append(parts, anydiff.Slice(v, row, row+1))
		}
		return anydiff.Concat(parts...)
	})
}

// blankFirstProbs separates blank-last log-probabilities into
// per-sample probability rows with the blank restored to index 0.
func blankFirstProbs(logProbs anyseq.Seq) [][][]float64 {
	seqs := anyseq.SeparateSeqs(logProbs.Output())
	res := make([][][]float64, len(seqs))
	for i, steps := range seqs {
		rows := make([][]float64, len(steps))
		for t, vec := range steps {
			data := vecData(vec)
			row := make([]float64, len(data))
			row[0] = math.Exp(data[len(data)-1])
			for k := 1; k < len(data); k++ {
				row[k] = math.Exp(data[k-1])
			}
			rows[t] = row
		}
		res[i] = rows
	}
	return res
}

func vecData(v anyvec.Vector) []float64 {
	switch data := v.Data().(type) {
	case []float64:
		return data
	case []float32:
		res := make([]float64, len(data))
		for i, x := range data {
			res[i] = float64(x)
		}
		return res
	default:
		panic("unsupported numeric type")
	}
}

func alignPad(n, f int) int {
	if f <= 1 {
		return 0
	}
	return (f - n%f) % f
}
