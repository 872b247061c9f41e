package layers

import (
	"errors"
	"math"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var s SameConv
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSameConv)
}

// SameConv is a same-padded stride-1 convolution with ReLU activation
// and an optional dilation rate.
//
// Unlike a fixed-geometry convolution, the input dimensions are
// supplied at application time; the index tables for each geometry are
// cached on first use.
type SameConv struct {
	FilterCount int
	KernelX     int
	KernelY     int
	Dilation    int
	InputDepth  int

	Filters *anydiff.Var
	Biases  *anydiff.Var

	geomLock sync.Mutex
	geoms    map[Dims]*convGeom
}

type convGeom struct {
	pad     *anyconv.Padding
	padded  Dims
	windows anyvec.Mapper
	out     Dims
}

// NewSameConv creates a randomized convolution. The weight scale
// targets unit output variance for unit-variance inputs.
func NewSameConv(c anyvec.Creator, inDepth, filters int, kernel Size, dilation int) *SameConv {
	res := &SameConv{
		FilterCount: filters,
		KernelX:     kernel.X,
		KernelY:     kernel.Y,
		Dilation:    dilation,
		InputDepth:  inDepth,

		Filters: anydiff.NewVar(c.MakeVector(kernel.X * kernel.Y * inDepth * filters)),
		Biases:  anydiff.NewVar(c.MakeVector(filters)),
	}
	anyvec.Rand(res.Filters.Vector, anyvec.Normal, nil)
	normalizer := 1 / math.Sqrt(float64(kernel.X*kernel.Y*inDepth))
	res.Filters.Vector.Scale(c.MakeNumeric(normalizer))
	return res
}

// DeserializeSameConv deserializes a SameConv.
func DeserializeSameConv(d []byte) (*SameConv, error) {
	var kX, kY, dil, inDepth serializer.Int
	var f, b *anyvecsave.S
	if err := serializer.DeserializeAny(d, &kX, &kY, &dil, &inDepth, &f, &b); err != nil {
		return nil, essentials.AddCtx("deserialize SameConv", err)
	}
	return &SameConv{
		FilterCount: b.Vector.Len(),
		KernelX:     int(kX),
		KernelY:     int(kY),
		Dilation:    int(dil),
		InputDepth:  int(inDepth),
		Filters:     anydiff.NewVar(f.Vector),
		Biases:      anydiff.NewVar(b.Vector),
	}, nil
}

// Apply convolves a batch of feature maps of geometry d.
//
// This is not thread-safe.
func (s *SameConv) Apply(in anydiff.Res, batch int, d Dims) (anydiff.Res, Dims) {
	if in.Output().Len() != batch*d.Volume() {
		panic("incorrect input size")
	}
	g := s.geometry(in.Output().Creator(), d)

	padded := in
	if g.pad != nil {
		padded = g.pad.Apply(in, batch)
	}
	rows := gather(g.windows, padded, batch)

	rowMat := &anydiff.Matrix{
		Data: rows,
		Rows: batch * g.out.Time * g.out.Height,
		Cols: s.KernelX * s.KernelY * s.InputDepth,
	}
	filterMat := &anydiff.Matrix{
		Data: s.Filters,
		Rows: s.FilterCount,
		Cols: s.KernelX * s.KernelY * s.InputDepth,
	}
	prod := anydiff.MatMul(false, true, rowMat, filterMat)
	out := anydiff.ClipPos(anydiff.AddRepeated(prod.Data, s.Biases))
	return out, g.out
}

// Parameters returns the filters and biases, in that order.
func (s *SameConv) Parameters() []*anydiff.Var {
	return []*anydiff.Var{s.Filters, s.Biases}
}

// SerializerType returns the unique ID used to serialize a SameConv
// with the serializer package.
func (s *SameConv) SerializerType() string {
	return "github.com/mobigelow/calamari/layers.SameConv"
}

// Serialize serializes the layer.
func (s *SameConv) Serialize() ([]byte, error) {
	if s.Filters == nil || s.Biases == nil {
		return nil, errors.New("cannot serialize uninitialized SameConv")
	}
	return serializer.SerializeAny(
		serializer.Int(s.KernelX),
		serializer.Int(s.KernelY),
		serializer.Int(s.Dilation),
		serializer.Int(s.InputDepth),
		&anyvecsave.S{Vector: s.Filters.Vector},
		&anyvecsave.S{Vector: s.Biases.Vector},
	)
}

func (s *SameConv) geometry(c anyvec.Creator, d Dims) *convGeom {
	s.geomLock.Lock()
	defer s.geomLock.Unlock()
	if g, ok := s.geoms[d]; ok {
		return g
	}
	if d.Depth != s.InputDepth {
		panic("incorrect input depth")
	}

	effX := (s.KernelX-1)*s.Dilation + 1
	effY := (s.KernelY-1)*s.Dilation + 1
	beforeT, afterT := samePad(d.Time, effX, 1)
	beforeH, afterH := samePad(d.Height, effY, 1)

	g := &convGeom{
		padded: Dims{
			Time:   d.Time + beforeT + afterT,
			Height: d.Height + beforeH + afterH,
			Depth:  d.Depth,
		},
		out: Dims{Time: d.Time, Height: d.Height, Depth: s.FilterCount},
	}
	if beforeT+afterT+beforeH+afterH > 0 {
		g.pad = &anyconv.Padding{
			InputWidth:  d.Height,
			InputHeight: d.Time,
			InputDepth:  d.Depth,

			PaddingTop:    beforeT,
			PaddingBottom: afterT,
			PaddingLeft:   beforeH,
			PaddingRight:  afterH,
		}
	}

	var table []int
	pH, depth := g.padded.Height, g.padded.Depth
	for t := 0; t+effX <= g.padded.Time; t++ {
		for y := 0; y+effY <= pH; y++ {
			for kt := 0; kt < s.KernelX; kt++ {
				rowIdx := (t + kt*s.Dilation) * pH * depth
				for ky := 0; ky < s.KernelY; ky++ {
					colIdx := rowIdx + (y+ky*s.Dilation)*depth
					for z := 0; z < depth; z++ {
						table = append(table, colIdx+z)
					}
				}
			}
		}
	}
	g.windows = c.MakeMapper(g.padded.Volume(), table)

	if s.geoms == nil {
		s.geoms = map[Dims]*convGeom{}
	}
	s.geoms[d] = g
	return g
}
