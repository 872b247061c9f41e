package layers

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// batchMap applies m.Map to each sample slice of in.
func batchMap(m anyvec.Mapper, in anyvec.Vector) anyvec.Vector {
	n := in.Len() / m.InSize()
	outs := make([]anyvec.Vector, n)
	for i := range outs {
		sub := in.Slice(i*m.InSize(), (i+1)*m.InSize())
		out := in.Creator().MakeVector(m.OutSize())
		m.Map(sub, out)
		outs[i] = out
	}
	return in.Creator().Concat(outs...)
}

// batchMapTranspose applies m.MapTranspose to each sample slice of in.
func batchMapTranspose(m anyvec.Mapper, in anyvec.Vector) anyvec.Vector {
	n := in.Len() / m.OutSize()
	outs := make([]anyvec.Vector, n)
	for i := range outs {
		sub := in.Slice(i*m.OutSize(), (i+1)*m.OutSize())
		out := in.Creator().MakeVector(m.InSize())
		m.MapTranspose(sub, out)
		outs[i] = out
	}
	return in.Creator().Concat(outs...)
}

// gather selects components of in according to m's index table, one
// table application per sample. Components tapped more than once have
// their gradients summed on the way back.
func gather(m anyvec.Mapper, in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*m.InSize() {
		panic("incorrect input size")
	}
	return &gatherRes{
		In:     in,
		Mapper: m,
		OutVec: batchMap(m, in.Output()),
	}
}

type gatherRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
}

func (g *gatherRes) Output() anyvec.Vector {
	return g.OutVec
}

func (g *gatherRes) Vars() anydiff.VarSet {
	return g.In.Vars()
}

func (g *gatherRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	g.In.Propagate(batchMapTranspose(g.Mapper, u), grad)
}

// scatter places the components of in at the positions listed in m's
// index table inside a zero tensor of m.InSize() components, one
// application per sample.
func scatter(m anyvec.Mapper, in anydiff.Res, n int) anydiff.Res {
	if in.Output().Len() != n*m.OutSize() {
		panic("incorrect input size")
	}
	return &scatterRes{
		In:     in,
		Mapper: m,
		OutVec: batchMapTranspose(m, in.Output()),
	}
}

type scatterRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
}

func (s *scatterRes) Output() anyvec.Vector {
	return s.OutVec
}

func (s *scatterRes) Vars() anydiff.VarSet {
	return s.In.Vars()
}

func (s *scatterRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	s.In.Propagate(batchMap(s.Mapper, u), grad)
}

// samePad returns the padding before and after one spatial axis so
// that a window of the given span and stride covers the axis with
// output size ceil(in/stride). Excess padding goes after the data.
func samePad(in, span, stride int) (before, after int) {
	out := ceilDiv(in, stride)
	total := (out-1)*stride + span - in
	if total < 0 {
		total = 0
	}
	return total / 2, total - total/2
}
