package graph

import (
	"math"
	"reflect"
	"testing"

	"github.com/mobigelow/calamari/layers"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func testGraph(t *testing.T, classes int) *Graph {
	g, err := New(anyvec32.DefaultCreator{}, Params{
		Layers: []layers.Desc{
			layers.Conv{Filters: 16, Kernel: layers.Size{X: 3, Y: 3}},
			layers.Pool{Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
			layers.LSTM{Hidden: 32},
		},
		Classes: classes,
	}, 32, 1)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testBatch(lengths []int, height, depth int) *Batch {
	maxT := 0
	for _, l := range lengths {
		if l > maxT {
			maxT = l
		}
	}
	dims := layers.Dims{Time: maxT, Height: height, Depth: depth}
	images := anyvec32.MakeVector(len(lengths) * dims.Volume())
	anyvec.Rand(images, anyvec.Uniform, nil)
	return &Batch{
		Images:  anydiff.NewConst(images),
		Dims:    dims,
		Lengths: lengths,
	}
}

func TestForwardLengths(t *testing.T) {
	g := testGraph(t, 10)
	out := g.Forward(testBatch([]int{64, 50}, 32, 1))

	if !reflect.DeepEqual(out.Lengths, []int{32, 25}) {
		t.Errorf("expected lengths [32 25] but got %v", out.Lengths)
	}
	if len(out.LogProbs.Output()) != 32 {
		t.Errorf("expected 32 timesteps but got %d", len(out.LogProbs.Output()))
	}
	for i, rows := range out.Softmax {
		if len(rows) != out.Lengths[i] {
			t.Errorf("sample %d: expected %d rows but got %d", i, out.Lengths[i], len(rows))
		}
		for _, row := range rows {
			if len(row) != 10 {
				t.Fatalf("expected 10 classes but got %d", len(row))
			}
			var sum float64
			for _, x := range row {
				sum += x
			}
			if math.Abs(sum-1) > 1e-3 {
				t.Fatalf("sample %d: probabilities sum to %f", i, sum)
			}
		}
	}
	for i, d := range out.Decoded {
		for _, l := range d {
			if l < 1 || l > 9 {
				t.Errorf("sample %d: decoded label %d out of range", i, l)
			}
		}
	}
}

func TestForwardPartialWindow(t *testing.T) {
	g := testGraph(t, 10)
	out := g.Forward(testBatch([]int{52, 51}, 32, 1))

	// The second sample's trailing column fills only half a pooling
	// window, so it does not count towards the sample's length.
	if !reflect.DeepEqual(out.Lengths, []int{26, 25}) {
		t.Fatalf("expected lengths [26 25] but got %v", out.Lengths)
	}
	if len(out.LogProbs.Output()) != 26 {
		t.Errorf("expected 26 timesteps but got %d", len(out.LogProbs.Output()))
	}
	for i, rows := range out.Softmax {
		if len(rows) != out.Lengths[i] {
			t.Errorf("sample %d: expected %d rows but got %d", i, out.Lengths[i], len(rows))
		}
	}
}

func TestForwardSecondTimestepAttendsOwnLength(t *testing.T) {
	g := testGraph(t, 5)
	out := g.Forward(testBatch([]int{20, 8}, 32, 1))

	if !reflect.DeepEqual(out.Lengths, []int{10, 4}) {
		t.Fatalf("expected lengths [10 4] but got %v", out.Lengths)
	}
	batches := out.LogProbs.Output()
	for ts, b := range batches {
		wantPresent := []bool{true, ts < 4}
		if !reflect.DeepEqual(b.Present, wantPresent) {
			t.Errorf("timestep %d: present %v but want %v", ts, b.Present, wantPresent)
		}
	}
}

func TestForwardZeroLength(t *testing.T) {
	g := testGraph(t, 5)
	batch := testBatch([]int{4}, 32, 1)
	batch.Lengths = []int{0}
	out := g.Forward(batch)

	if !reflect.DeepEqual(out.Lengths, []int{0}) {
		t.Errorf("expected lengths [0] but got %v", out.Lengths)
	}
	if len(out.Decoded) != 1 || len(out.Decoded[0]) != 0 {
		t.Errorf("expected one empty decoding but got %v", out.Decoded)
	}
	if len(out.Softmax) != 1 || len(out.Softmax[0]) != 0 {
		t.Errorf("expected no probability rows but got %v", out.Softmax)
	}
	if out.LogProbs == nil || len(out.LogProbs.Output()) != 0 {
		t.Errorf("expected an empty log-probability sequence")
	}
	if out.Logits == nil || len(out.Logits.Output()) != 0 {
		t.Errorf("expected an empty logits sequence")
	}
}

func TestForwardZeroLengthSibling(t *testing.T) {
	g := testGraph(t, 5)
	batch := testBatch([]int{20, 20}, 32, 1)
	batch.Lengths = []int{0, 20}
	out := g.Forward(batch)

	if !reflect.DeepEqual(out.Lengths, []int{0, 10}) {
		t.Fatalf("expected lengths [0 10] but got %v", out.Lengths)
	}
	for ts, b := range out.LogProbs.Output() {
		if !reflect.DeepEqual(b.Present, []bool{false, true}) {
			t.Errorf("timestep %d: present %v but want [false true]", ts, b.Present)
		}
	}
	if len(out.Decoded[0]) != 0 {
		t.Errorf("expected an empty decoding but got %v", out.Decoded[0])
	}
	if len(out.Softmax[0]) != 0 {
		t.Errorf("expected no probability rows but got %v", out.Softmax[0])
	}
	if len(out.Softmax[1]) != 10 {
		t.Errorf("expected 10 rows for the second sample but got %d", len(out.Softmax[1]))
	}
}

func TestDenseDecoded(t *testing.T) {
	out := &Output{Decoded: [][]int{{3, 1}, {}, {2, 2, 5}}}
	expected := [][]int{{3, 1, 0}, {0, 0, 0}, {2, 2, 5}}
	if actual := out.DenseDecoded(); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
}

func TestAlignPad(t *testing.T) {
	if p := alignPad(10, 4); p != 2 {
		t.Errorf("expected padding 2 but got %d", p)
	}
	if p := alignPad(12, 4); p != 0 {
		t.Errorf("expected padding 0 but got %d", p)
	}
	if p := alignPad(7, 1); p != 0 {
		t.Errorf("expected padding 0 but got %d", p)
	}
}

func TestRealignForward(t *testing.T) {
	g, err := New(anyvec32.DefaultCreator{}, Params{
		Layers: []layers.Desc{
			layers.Conv{Filters: 4, Kernel: layers.Size{X: 3, Y: 3}},
			layers.Pool{Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
			layers.Concat{Sources: []int{2, 2}},
			layers.LSTM{Hidden: 8},
		},
		Classes: 5,
	}, 30, 1)
	if err != nil {
		t.Fatal(err)
	}
	// 31 columns pad up to 32 and pool to 16 tensor frames, but the
	// sample's own columns cover only 15 full pooling windows.
	out := g.Forward(testBatch([]int{31}, 30, 1))
	if !reflect.DeepEqual(out.Lengths, []int{15}) {
		t.Errorf("expected lengths [15] but got %v", out.Lengths)
	}
}

func TestForwardUpsampled(t *testing.T) {
	g, err := New(anyvec32.DefaultCreator{}, Params{
		Layers: []layers.Desc{
			layers.Conv{Filters: 8, Kernel: layers.Size{X: 3, Y: 3}},
			layers.Pool{Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
			layers.Dilated{Filters: 8, Kernel: layers.Size{X: 3, Y: 3}, Depth: 2},
			layers.Transposed{Filters: 4, Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
			layers.Concat{Sources: []int{1, 4}},
			layers.LSTM{Hidden: 8},
		},
		Classes: 5,
	}, 16, 1)
	if err != nil {
		t.Fatal(err)
	}
	// 21 columns pad up to 22; pooling keeps 10 of the first sample's
	// columns and upsampling doubles them back to 20.
	out := g.Forward(testBatch([]int{21, 16}, 16, 1))
	if !reflect.DeepEqual(out.Lengths, []int{20, 16}) {
		t.Fatalf("expected lengths [20 16] but got %v", out.Lengths)
	}
	if len(out.LogProbs.Output()) != 20 {
		t.Errorf("expected 20 timesteps but got %d", len(out.LogProbs.Output()))
	}
	for i, rows := range out.Softmax {
		if len(rows) != out.Lengths[i] {
			t.Errorf("sample %d: expected %d rows but got %d", i, out.Lengths[i], len(rows))
		}
		for _, row := range rows {
			if len(row) != 5 {
				t.Fatalf("expected 5 classes but got %d", len(row))
			}
		}
	}
	// Pooling and upsampling cancel out, so output columns line up
	// with input columns.
	if pos := g.OutputToInputPosition(7); pos != 7 {
		t.Errorf("expected position 7 but got %d", pos)
	}
}

func TestOutputToInputPosition(t *testing.T) {
	g, err := New(anyvec32.DefaultCreator{}, Params{
		Layers: []layers.Desc{
			layers.Pool{Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
			layers.Pool{Kernel: layers.Size{X: 2, Y: 2}, Stride: layers.Size{X: 2, Y: 2}},
		},
		Classes: 5,
	}, 32, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pos := g.OutputToInputPosition(3); pos != 12 {
		t.Errorf("expected position 12 but got %d", pos)
	}
}

func TestRollBlankLast(t *testing.T) {
	v := anydiff.NewConst(anyvec32.MakeVectorData([]float32{1, 2, 3, 4, 5, 6}))
	rolled := rollBlankLast(v, 2, 3).Output().Data().([]float32)
	expected := []float32{2, 3, 1, 5, 6, 4}
	if !reflect.DeepEqual(rolled, expected) {
		t.Errorf("expected %v but got %v", expected, rolled)
	}
}

func TestGraphParameters(t *testing.T) {
	g := testGraph(t, 10)
	params := g.Parameters()
	if len(params) == 0 {
		t.Fatal("no parameters")
	}
	fcParams := g.Out.Parameters()
	if params[len(params)-1] != fcParams[len(fcParams)-1] {
		t.Error("projection parameters should come last")
	}
}
