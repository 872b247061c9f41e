package layers

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var b BiLSTM
	serializer.RegisterTypedDeserializer(b.SerializerType(), DeserializeBiLSTM)
}

// A BiLSTM runs an LSTM over a sequence in both directions and
// concatenates the forward and backward outputs at each timestep, so
// its output feature count is twice the hidden size.
//
// The LSTM cells use tanh activations with sigmoid gates and start
// with the remember gate biased towards remembering.
type BiLSTM struct {
	InSize int
	Hidden int

	Bidir *anyrnn.Bidir
}

// NewBiLSTM creates a randomized bidirectional LSTM.
func NewBiLSTM(c anyvec.Creator, in, hidden int) *BiLSTM {
	return &BiLSTM{
		InSize: in,
		Hidden: hidden,
		Bidir: &anyrnn.Bidir{
			Forward:  anyrnn.NewLSTM(c, in, hidden),
			Backward: anyrnn.NewLSTM(c, in, hidden),
			Mixer:    anynet.ConcatMixer{},
		},
	}
}

// DeserializeBiLSTM deserializes a BiLSTM.
func DeserializeBiLSTM(d []byte) (*BiLSTM, error) {
	var in, hidden serializer.Int
	var bidir *anyrnn.Bidir
	if err := serializer.DeserializeAny(d, &in, &hidden, &bidir); err != nil {
		return nil, essentials.AddCtx("deserialize BiLSTM", err)
	}
	return &BiLSTM{InSize: int(in), Hidden: int(hidden), Bidir: bidir}, nil
}

// Apply runs the layer over a batch of sequences.
func (b *BiLSTM) Apply(seq anyseq.Seq) anyseq.Seq {
	return b.Bidir.Apply(seq)
}

// OutSize returns the per-timestep output feature count.
func (b *BiLSTM) OutSize() int {
	return 2 * b.Hidden
}

// Parameters returns the parameters of both directions.
func (b *BiLSTM) Parameters() []*anydiff.Var {
	return b.Bidir.Parameters()
}

// SerializerType returns the unique ID used to serialize a BiLSTM
// with the serializer package.
func (b *BiLSTM) SerializerType() string {
	return "github.com/mobigelow/calamari/layers.BiLSTM"
}

// Serialize serializes the layer.
func (b *BiLSTM) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(b.InSize),
		serializer.Int(b.Hidden),
		b.Bidir,
	)
}
