package layers

import (
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var t TransposedConv
	serializer.RegisterTypedDeserializer(t.SerializerType(), DeserializeTransposedConv)
}

// TransposedConv is a same-padded transposed convolution with ReLU
// activation. The fractional stride is realized as zero-insertion
// upsampling followed by a stride-1 same convolution, so the output
// geometry is the input geometry multiplied by the stride.
type TransposedConv struct {
	Conv    *SameConv
	StrideX int
	StrideY int

	upLock sync.Mutex
	ups    map[Dims]anyvec.Mapper
}

// NewTransposedConv creates a randomized transposed convolution.
func NewTransposedConv(c anyvec.Creator, inDepth, filters int, kernel, stride Size) *TransposedConv {
	return &TransposedConv{
		Conv:    NewSameConv(c, inDepth, filters, kernel, 1),
		StrideX: stride.X,
		StrideY: stride.Y,
	}
}

// DeserializeTransposedConv deserializes a TransposedConv.
func DeserializeTransposedConv(d []byte) (*TransposedConv, error) {
	var sX, sY serializer.Int
	var conv *SameConv
	if err := serializer.DeserializeAny(d, &sX, &sY, &conv); err != nil {
		return nil, essentials.AddCtx("deserialize TransposedConv", err)
	}
	return &TransposedConv{
		Conv:    conv,
		StrideX: int(sX),
		StrideY: int(sY),
	}, nil
}

// Apply upsamples and convolves a batch of feature maps of geometry d.
//
// This is not thread-safe.
func (t *TransposedConv) Apply(in anydiff.Res, batch int, d Dims) (anydiff.Res, Dims) {
	if in.Output().Len() != batch*d.Volume() {
		panic("incorrect input size")
	}
	upDims := Dims{
		Time:   d.Time * t.StrideX,
		Height: d.Height * t.StrideY,
		Depth:  d.Depth,
	}
	up := scatter(t.upsampler(in.Output().Creator(), d, upDims), in, batch)
	return t.Conv.Apply(up, batch, upDims)
}

// Parameters returns the parameters of the inner convolution.
func (t *TransposedConv) Parameters() []*anydiff.Var {
	return t.Conv.Parameters()
}

// SerializerType returns the unique ID used to serialize a
// TransposedConv with the serializer package.
func (t *TransposedConv) SerializerType() string {
	return "github.com/mobigelow/calamari/layers.TransposedConv"
}

// Serialize serializes the layer.
func (t *TransposedConv) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(t.StrideX),
		serializer.Int(t.StrideY),
		t.Conv,
	)
}

func (t *TransposedConv) upsampler(c anyvec.Creator, d, upDims Dims) anyvec.Mapper {
	t.upLock.Lock()
	defer t.upLock.Unlock()
	if m, ok := t.ups[d]; ok {
		return m
	}

	table := make([]int, 0, d.Volume())
	for ti := 0; ti < d.Time; ti++ {
		for y := 0; y < d.Height; y++ {
			base := (ti*t.StrideX*upDims.Height + y*t.StrideY) * d.Depth
			for z := 0; z < d.Depth; z++ {
				table = append(table, base+z)
			}
		}
	}
	m := c.MakeMapper(upDims.Volume(), table)

	if t.ups == nil {
		t.ups = map[Dims]anyvec.Mapper{}
	}
	t.ups[d] = m
	return m
}
