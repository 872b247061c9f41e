// Package predict runs batched inference over normalized line images.
package predict

import (
	"errors"
	"fmt"

	"github.com/mobigelow/calamari"
	"github.com/mobigelow/calamari/graph"
	"github.com/mobigelow/calamari/layers"
	"github.com/mobigelow/calamari/norm"
	"github.com/unixpickle/anydiff"
)

// A Result is the prediction for one line image.
type Result struct {
	// Softmax holds one blank-first probability row per output
	// column, truncated to the sample's own length.
	Softmax [][]float64

	// Length is the number of output columns.
	Length int

	// Decoded is the decoded labeling as codec indices starting
	// at 1.
	Decoded []int

	// Meta is the opaque metadata passed in with the image.
	Meta []byte
}

// A Predictor runs a Graph over batches of images.
type Predictor struct {
	Graph *graph.Graph

	// Decoder decodes the per-column distributions. A nil Decoder
	// means greedy best-path decoding.
	Decoder calamari.CTCDecoder
}

// OutputToInputPosition maps an output column of a Result back to the
// image column it is aligned with.
func (p *Predictor) OutputToInputPosition(x int) int {
	return p.Graph.OutputToInputPosition(x)
}

// PredictBatch runs one forward pass over the images and returns the
// results in input order.
//
// Pixel intensities are rescaled from [0, 255] to [0, 1]. Images
// narrower than the widest image in the batch are zero-extended; their
// results never cover the extension. The meta slice may be nil;
// otherwise it must have one entry per image and each entry is echoed
// back verbatim on the matching Result.
//
// The channel is closed after the last result. The results can only be
// consumed once.
func (p *Predictor) PredictBatch(images []*norm.Gray, meta [][]byte) (<-chan *Result, error) {
	if meta != nil && len(meta) != len(images) {
		return nil, errors.New("predict batch: meta count does not match image count")
	}
	g := p.Graph
	if g.InDepth != 1 {
		return nil, errors.New("predict batch: graph does not take single-channel input")
	}

	var maxWidth int
	widths := make([]int, len(images))
	for i, img := range images {
		if img.Height != g.InHeight {
			return nil, fmt.Errorf("predict batch: image %d has height %d, want %d",
				i, img.Height, g.InHeight)
		}
		widths[i] = img.Width
		if img.Width > maxWidth {
			maxWidth = img.Width
		}
	}

	dims := layers.Dims{Time: maxWidth, Height: g.InHeight, Depth: 1}
	data := make([]float64, len(images)*dims.Volume())
	for i, img := range images {
		sample := data[i*dims.Volume():]
		for t := 0; t < img.Width; t++ {
			for y := 0; y < img.Height; y++ {
				sample[t*img.Height+y] = float64(img.Pixels[y*img.Width+t]) / 0xff
			}
		}
	}

	c := g.Creator()
	out := g.Forward(&graph.Batch{
		Images:  anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data))),
		Dims:    dims,
		Lengths: widths,
	})

	results := make(chan *Result)
	go func() {
		defer close(results)
		for i := range images {
			r := &Result{
				Softmax: out.Softmax[i],
				Length:  out.Lengths[i],
				Decoded: out.Decoded[i],
			}
			if p.Decoder != nil {
				r.Decoded = p.Decoder.Decode(out.Softmax[i])
			}
			if meta != nil {
				r.Meta = meta[i]
			}
			results <- r
		}
	}()
	return results, nil
}
