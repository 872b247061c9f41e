package layers

import (
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m MaxPool
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeMaxPool)
}

// MaxPool is a same-padded max-pooling layer with independent window
// span and stride.
type MaxPool struct {
	SpanX int
	SpanY int

	StrideX int
	StrideY int

	geomLock sync.Mutex
	geoms    map[Dims]*poolGeom
}

type poolGeom struct {
	pad     *anyconv.Padding
	padded  Dims
	windows anyvec.Mapper
	out     Dims
}

// DeserializeMaxPool deserializes a MaxPool.
func DeserializeMaxPool(d []byte) (*MaxPool, error) {
	var sX, sY, stX, stY serializer.Int
	if err := serializer.DeserializeAny(d, &sX, &sY, &stX, &stY); err != nil {
		return nil, essentials.AddCtx("deserialize MaxPool", err)
	}
	return &MaxPool{
		SpanX:   int(sX),
		SpanY:   int(sY),
		StrideX: int(stX),
		StrideY: int(stY),
	}, nil
}

// Apply pools a batch of feature maps of geometry d.
//
// This is not thread-safe.
func (m *MaxPool) Apply(in anydiff.Res, batch int, d Dims) (anydiff.Res, Dims) {
	if in.Output().Len() != batch*d.Volume() {
		panic("incorrect input size")
	}
	g := m.geometry(in.Output().Creator(), d)

	padded := in
	if g.pad != nil {
		padded = g.pad.Apply(in, batch)
	}

	c := in.Output().Creator()
	imgSize := g.padded.Volume()
	windowTemp := c.MakeVector(g.windows.OutSize())

	maxResults := make([]anyvec.Vector, batch)
	maxMaps := make([]anyvec.Mapper, batch)
	for i := 0; i < batch; i++ {
		subIn := padded.Output().Slice(imgSize*i, imgSize*(i+1))
		g.windows.Map(subIn, windowTemp)
		mapping := anyvec.MapMax(windowTemp, m.SpanX*m.SpanY)
		out := c.MakeVector(mapping.OutSize())
		mapping.Map(windowTemp, out)
		maxMaps[i] = mapping
		maxResults[i] = out
	}

	return &maxPoolRes{
		In:      padded,
		Windows: g.windows,
		Maxes:   maxMaps,
		OutVec:  c.Concat(maxResults...),
	}, g.out
}

// SerializerType returns the unique ID used to serialize a MaxPool
// with the serializer package.
func (m *MaxPool) SerializerType() string {
	return "github.com/mobigelow/calamari/layers.MaxPool"
}

// Serialize serializes the MaxPool.
func (m *MaxPool) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(m.SpanX),
		serializer.Int(m.SpanY),
		serializer.Int(m.StrideX),
		serializer.Int(m.StrideY),
	)
}

func (m *MaxPool) geometry(c anyvec.Creator, d Dims) *poolGeom {
	m.geomLock.Lock()
	defer m.geomLock.Unlock()
	if g, ok := m.geoms[d]; ok {
		return g
	}

	beforeT, afterT := samePad(d.Time, m.SpanX, m.StrideX)
	beforeH, afterH := samePad(d.Height, m.SpanY, m.StrideY)

	g := &poolGeom{
		padded: Dims{
			Time:   d.Time + beforeT + afterT,
			Height: d.Height + beforeH + afterH,
			Depth:  d.Depth,
		},
		out: Dims{
			Time:   ceilDiv(d.Time, m.StrideX),
			Height: ceilDiv(d.Height, m.StrideY),
			Depth:  d.Depth,
		},
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

	// Each window is laid out as a SpanX*SpanY chunk per channel so
	// that MapMax reduces one chunk to one output component.
	var table []int
	pH, depth := g.padded.Height, g.padded.Depth
	for t := 0; t+m.SpanX <= g.padded.Time; t += m.StrideX {
		for y := 0; y+m.SpanY <= pH; y += m.StrideY {
			for z := 0; z < depth; z++ {
				for st := 0; st < m.SpanX; st++ {
					rowIdx := (t + st) * pH * depth
					for sy := 0; sy < m.SpanY; sy++ {
						table = append(table, rowIdx+(y+sy)*depth+z)
					}
				}
			}
		}
	}
	g.windows = c.MakeMapper(g.padded.Volume(), table)

	if m.geoms == nil {
		m.geoms = map[Dims]*poolGeom{}
	}
	m.geoms[d] = g
	return g
}

type maxPoolRes struct {
	In      anydiff.Res
	Windows anyvec.Mapper
	Maxes   []anyvec.Mapper
	OutVec  anyvec.Vector
}

func (m *maxPoolRes) Output() anyvec.Vector {
	return m.OutVec
}

func (m *maxPoolRes) Vars() anydiff.VarSet {
	return m.In.Vars()
}

func (m *maxPoolRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	outSize := u.Len() / len(m.Maxes)
	upPieces := make([]anyvec.Vector, len(m.Maxes))
	for i, mapper := range m.Maxes {
		upSlice := u.Slice(outSize*i, outSize*(i+1))
		windowGrad := u.Creator().MakeVector(mapper.InSize())
		mapper.MapTranspose(upSlice, windowGrad)
		upPiece := u.Creator().MakeVector(m.Windows.InSize())
		m.Windows.MapTranspose(windowGrad, upPiece)
		upPieces[i] = upPiece
	}
	m.In.Propagate(u.Creator().Concat(upPieces...), g)
}
