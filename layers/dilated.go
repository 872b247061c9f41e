package layers

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A DilatedBlock runs several same-padded convolutions with
// exponentially growing dilation rates in parallel and concatenates
// their outputs along the channel axis, producing one logical layer
// with a wide receptive field.
type DilatedBlock struct {
	Branches []*SameConv
}

// NewDilatedBlock creates a block of max(1, depth) branches. Branch i
// produces filters/depth channels with dilation rate 2^(i+1).
func NewDilatedBlock(c anyvec.Creator, inDepth, filters, depth int, kernel Size) *DilatedBlock {
	if depth < 1 {
		depth = 1
	}
	res := &DilatedBlock{Branches: make([]*SameConv, depth)}
	for i := range res.Branches {
		res.Branches[i] = NewSameConv(c, inDepth, filters/depth, kernel, 1<<uint(i+1))
	}
	return res
}

// OutDepth returns the channel count of the concatenated output.
func (d *DilatedBlock) OutDepth() int {
	var total int
	for _, b := range d.Branches {
		total += b.FilterCount
	}
	return total
}

// Apply runs every branch on the same input and concatenates the
// results.
func (d *DilatedBlock) Apply(in anydiff.Res, batch int, dims Dims) (anydiff.Res, Dims) {
	var outRes anydiff.Res
	var outDims Dims
	outRes = anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		outs := make([]anydiff.Res, len(d.Branches))
		branchDims := make([]Dims, len(d.Branches))
		for i, b := range d.Branches {
			outs[i], branchDims[i] = b.Apply(in, batch, dims)
		}
		var res anydiff.Res
		res, outDims = ConcatDepth(outs, branchDims, batch)
		return res
	})
	return outRes, outDims
}

// Parameters returns the parameters of every branch, in order.
func (d *DilatedBlock) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, b := range d.Branches {
		res = append(res, b.Parameters()...)
	}
	return res
}
