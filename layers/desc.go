// Package layers assembles the OCR network's convolutional and
// recurrent stack from an ordered list of layer descriptors.
//
// Feature maps are row-major depth-minor: the vector for one sample is
// laid out as [time][height][depth], so the time (reading) axis is
// outermost and a single timestep's features are contiguous.
package layers

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Size is a kernel or stride extent. X acts along the time axis and
// Y along the transverse (height) axis.
type Size struct {
	X int
	Y int
}

// Dims describes the spatial layout of one sample's feature map.
type Dims struct {
	Time   int
	Height int
	Depth  int
}

// Volume returns the number of components in a feature map.
func (d Dims) Volume() int {
	return d.Time * d.Height * d.Depth
}

// A Desc describes one layer of the architecture.
//
// The set of descriptor kinds is closed: Conv, Concat, Dilated,
// Transposed, Pool and LSTM. Assembly and the forward pass dispatch on
// the concrete type, so an unhandled kind fails loudly instead of
// being silently skipped.
type Desc interface {
	isDesc()
}

// Conv describes a same-padded stride-1 convolution with ReLU
// activation.
type Conv struct {
	Filters int
	Kernel  Size
}

// Concat describes a channel-axis concatenation of the inputs of
// earlier layers. Sources index the tap points recorded during the
// forward pass: source i is the tensor that entered layer i.
type Concat struct {
	Sources []int
}

// Dilated describes a block of max(1, Depth) parallel same-padded
// convolutions, each producing Filters/Depth channels with dilation
// rate 2^(i+1) for the i-th branch, concatenated along the channel
// axis.
type Dilated struct {
	Filters int
	Kernel  Size
	Depth   int
}

// Transposed describes a same-padded transposed (fractionally strided)
// convolution with ReLU activation. It upsamples by Stride.
type Transposed struct {
	Filters int
	Kernel  Size
	Stride  Size
}

// Pool describes a same-padded max-pooling layer. Every Pool divides
// the tracked per-sample sequence length by Stride.X.
type Pool struct {
	Kernel Size
	Stride Size
}

// LSTM describes a bidirectional LSTM whose forward and backward
// outputs are concatenated along the feature axis.
type LSTM struct {
	Hidden int
}

func (Conv) isDesc()       {}
func (Concat) isDesc()     {}
func (Dilated) isDesc()    {}
func (Transposed) isDesc() {}
func (Pool) isDesc()       {}
func (LSTM) isDesc()       {}

// A Layer is one assembled transformation of the convolutional stack.
// Geometry is supplied at application time because OCR line widths
// vary from batch to batch.
type Layer interface {
	Apply(in anydiff.Res, batch int, d Dims) (anydiff.Res, Dims)
}

// A Stage pairs a descriptor with its assembled layer so the forward
// pass can dispatch on the descriptor kind. Concat stages carry no
// layer; they are realized against the recorded tap points.
type Stage struct {
	Desc  Desc
	Layer Layer
}

// A Stack is the assembled network: the convolutional stages in
// descriptor order followed by the recurrent stages in descriptor
// order.
type Stack struct {
	Conv []Stage
	Rnn  []*BiLSTM

	// OutHeight and OutDepth are the transverse dimensions produced
	// by the convolutional stack for the assembly-time input dims.
	OutHeight int
	OutDepth  int

	// OutSize is the per-timestep feature count entering the
	// projection to class logits.
	OutSize int
}

// Parameters returns the learnable variables of every stage, in stack
// order.
func (s *Stack) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, st := range s.Conv {
		if p, ok := st.Layer.(interface {
			Parameters() []*anydiff.Var
		}); ok {
			res = append(res, p.Parameters()...)
		}
	}
	for _, r := range s.Rnn {
		res = append(res, r.Parameters()...)
	}
	return res
}

// Assemble builds the stack for descriptors in architecture order.
//
// All non-recurrent descriptors are processed strictly before all
// recurrent descriptors, preserving relative order within each group.
// The input height and depth must be known up front because they size
// the recurrent and projection weights; the time extent may vary per
// batch.
//
// Concat sources must reference earlier stages; anything else is a
// configuration error.
func Assemble(c anyvec.Creator, descs []Desc, inHeight, inDepth int) (*Stack, error) {
	res := &Stack{}

	h, depth := inHeight, inDepth
	var tapHeights, tapDepths []int
	for i, desc := range descs {
		if _, ok := desc.(LSTM); ok {
			continue
		}
		tapHeights = append(tapHeights, h)
		tapDepths = append(tapDepths, depth)
		switch d := desc.(type) {
		case Conv:
			layer := NewSameConv(c, depth, d.Filters, d.Kernel, 1)
			res.Conv = append(res.Conv, Stage{Desc: d, Layer: layer})
			depth = d.Filters
		case Concat:
			total := 0
			for _, src := range d.Sources {
				if src < 0 || src >= len(tapDepths) {
					return nil, fmt.Errorf("assemble layer %d: concat source %d out of range",
						i, src)
				}
				if tapHeights[src] != h {
					return nil, fmt.Errorf("assemble layer %d: concat source %d has height %d, want %d",
						i, src, tapHeights[src], h)
				}
				total += tapDepths[src]
			}
			res.Conv = append(res.Conv, Stage{Desc: d})
			depth = total
		case Dilated:
			layer := NewDilatedBlock(c, depth, d.Filters, d.Depth, d.Kernel)
			res.Conv = append(res.Conv, Stage{Desc: d, Layer: layer})
			depth = layer.OutDepth()
		case Transposed:
			layer := NewTransposedConv(c, depth, d.Filters, d.Kernel, d.Stride)
			res.Conv = append(res.Conv, Stage{Desc: d, Layer: layer})
			depth = d.Filters
			h *= d.Stride.Y
		case Pool:
			layer := &MaxPool{
				SpanX:   d.Kernel.X,
				SpanY:   d.Kernel.Y,
				StrideX: d.Stride.X,
				StrideY: d.Stride.Y,
			}
			res.Conv = append(res.Conv, Stage{Desc: d, Layer: layer})
			h = ceilDiv(h, d.Stride.Y)
		default:
			panic(fmt.Sprintf("unknown layer type: %T", desc))
		}
	}

	inSize := h * depth
	for _, desc := range descs {
		d, ok := desc.(LSTM)
		if !ok {
			continue
		}
		r := NewBiLSTM(c, inSize, d.Hidden)
		res.Rnn = append(res.Rnn, r)
		inSize = r.OutSize()
	}

	res.OutHeight = h
	res.OutDepth = depth
	res.OutSize = inSize
	return res, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
