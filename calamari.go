// Package calamari implements the core of an OCR engine: a
// convolutional/recurrent network trained and decoded with
// Connectionist Temporal Classification, together with the raster
// normalization that feeds it.
//
// The heavy lifting lives in the sub-packages: norm (image
// normalization), layers (network assembly), graph (forward pass,
// loss and metrics) and predict (batched inference). This package
// only holds the small contracts shared between them and their
// external collaborators.
package calamari

// A Codec maps between output class indices and text. Index 0 is
// reserved for the CTC blank symbol and never appears in encoded
// text.
type Codec interface {
	// Decode maps class indices to their characters.
	Decode(labels []int) string

	// Encode maps text to class indices.
	Encode(text string) []int
}

// A TextPostProcessor normalizes decoded text before it is shown or
// scored, e.g. collapsing whitespace runs.
type TextPostProcessor interface {
	Apply(text string) string
}

// A CTCDecoder turns a per-timestep class distribution into a label
// sequence.
//
// The probability matrix is indexed [timestep][class] with the blank
// symbol at class 0. Returned labels are codec indices, so they are
// always >= 1.
type CTCDecoder interface {
	Decode(probs [][]float64) []int
}
