package graph

import (
	"errors"

	"github.com/mobigelow/calamari/layers"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
)

// A Sample is one training line: a packed [time][height][depth] image
// and its transcription as codec indices starting at 1.
type Sample struct {
	Image anyvec.Vector
	Dims  layers.Dims
	Label []int
}

// A SampleList is an anysgd.SampleList with CTC samples.
type SampleList interface {
	anysgd.SampleList

	GetSample(idx int) (*Sample, error)
	Creator() anyvec.Creator
}

// A SliceSampleList is a concrete SampleList backed by a slice.
type SliceSampleList []*Sample

// Len returns the number of samples.
func (s SliceSampleList) Len() int {
	return len(s)
}

// Swap swaps two samples.
func (s SliceSampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice generates a copy of a sub-range of the list.
func (s SliceSampleList) Slice(i, j int) anysgd.SampleList {
	return append(SliceSampleList{}, s[i:j]...)
}

// Creator returns the creator of the first sample's image. The list
// may not be empty.
func (s SliceSampleList) Creator() anyvec.Creator {
	return s[0].Image.Creator()
}

// GetSample returns the sample at the index.
func (s SliceSampleList) GetSample(idx int) (*Sample, error) {
	return s[idx], nil
}

// A TrainerBatch is a packed batch with its labels.
type TrainerBatch struct {
	Batch  *Batch
	Labels [][]int
}

// A Trainer creates batches, computes gradients, and adds up costs
// for a Model.
type Trainer struct {
	Model  *Model
	Params []*anydiff.Var

	// Average indicates whether or not the total cost should
	// be averaged before computing gradients.
	// This affects gradients, LastCost, and the output of
	// TotalCost().
	Average bool

	// After every gradient computation, LastCost is set to
	// the cost from the batch.
	LastCost anyvec.Numeric
}

// Fetch produces a *TrainerBatch for the subset of samples. The s
// argument must implement SampleList. The batch may not be empty, and
// every sample must share a height and channel count.
//
// Samples shorter than the widest sample in the batch are
// zero-extended along the time axis; their true lengths ride along so
// the forward pass never attends past them.
func (t *Trainer) Fetch(s anysgd.SampleList) (anysgd.Batch, error) {
	if s.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	l := s.(SampleList)
	c := l.Creator()

	samples := make([]*Sample, l.Len())
	var maxTime int
	for i := range samples {
		sample, err := l.GetSample(i)
		if err != nil {
			return nil, essentials.AddCtx("fetch batch", err)
		}
		samples[i] = sample
		if sample.Dims.Height != samples[0].Dims.Height ||
			sample.Dims.Depth != samples[0].Dims.Depth {
			return nil, errors.New("fetch batch: mismatched sample geometry")
		}
		if sample.Dims.Time > maxTime {
			maxTime = sample.Dims.Time
		}
	}

	dims := layers.Dims{
		Time:   maxTime,
		Height: samples[0].Dims.Height,
		Depth:  samples[0].Dims.Depth,
	}
	images := make([]anyvec.Vector, len(samples))
	lengths := make([]int, len(samples))
	labels := make([][]int, len(samples))
	for i, sample := range samples {
		img := sample.Image
		if pad := dims.Volume() - img.Len(); pad > 0 {
			img = c.Concat(img, c.MakeVector(pad))
		}
		images[i] = img
		lengths[i] = sample.Dims.Time
		labels[i] = sample.Label
	}
	return &TrainerBatch{
		Batch: &Batch{
			Images:  anydiff.NewConst(c.Concat(images...)),
			Dims:    dims,
			Lengths: lengths,
		},
		Labels: labels,
	}, nil
}

// TotalCost computes the total cost for the batch.
func (t *Trainer) TotalCost(b *TrainerBatch) anydiff.Res {
	out := t.Model.Graph.Forward(b.Batch)
	costs := t.Model.Loss(out, b.Labels)
	sum := anydiff.Sum(costs)
	if t.Average {
		scaler := sum.Output().Creator().MakeNumeric(1 / float64(costs.Output().Len()))
		return anydiff.Scale(sum, scaler)
	} else {
		return sum
	}
}

// Gradient computes the gradient for the batch's cost. It also sets
// t.LastCost to the numerical value of the total cost.
//
// The b argument must be a *TrainerBatch.
func (t *Trainer) Gradient(b anysgd.Batch) anydiff.Grad {
	res := anydiff.NewGrad(t.Params...)

	if d := t.Model.Graph.Dropout; d != nil {
		d.Enabled = true
		defer func() {
			d.Enabled = false
		}()
	}

	cost := t.TotalCost(b.(*TrainerBatch))
	t.LastCost = anyvec.Sum(cost.Output())

	c := cost.Output().Creator()
	data := c.MakeNumericList([]float64{1})
	upstream := c.MakeVectorData(data)
	cost.Propagate(upstream, res)

	return res
}
