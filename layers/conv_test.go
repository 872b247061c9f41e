package layers

import (
	"math"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/serializer"
)

func TestSameConvSerialize(t *testing.T) {
	conv := NewSameConv(anyvec32.DefaultCreator{}, 3, 5, Size{X: 3, Y: 2}, 2)
	data, err := serializer.SerializeAny(conv)
	if err != nil {
		t.Fatal(err)
	}
	var newConv *SameConv
	if err := serializer.DeserializeAny(data, &newConv); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(newConv, conv) {
		t.Fatal("layers differ")
	}
}

func TestSameConvOutput(t *testing.T) {
	layer := NewSameConv(anyvec32.DefaultCreator{}, 2, 4, Size{X: 3, Y: 3}, 1)
	dims := Dims{Time: 9, Height: 7, Depth: 2}
	img := anyvec32.MakeVector(dims.Volume() * 2)
	anyvec.Rand(img, anyvec.Normal, nil)

	expected := naiveSameConv(layer, dims, img.Data().([]float32)[:dims.Volume()])
	expected = append(expected,
		naiveSameConv(layer, dims, img.Data().([]float32)[dims.Volume():])...)
	actualRes, outDims := layer.Apply(anydiff.NewConst(img), 2, dims)
	actual := actualRes.Output().Data().([]float32)

	if outDims != (Dims{Time: 9, Height: 7, Depth: 4}) {
		t.Fatalf("unexpected output dims: %v", outDims)
	}
	if len(actual) != len(expected) {
		t.Fatalf("expected length %d but got %d", len(expected), len(actual))
	}
	for i, x := range expected {
		a := actual[i]
		if math.Abs(float64(x-a)) > 1e-3 {
			t.Errorf("output %d: should be %f but got %f", i, x, a)
			break
		}
	}
}

func TestSameConvDilatedOutput(t *testing.T) {
	layer := NewSameConv(anyvec32.DefaultCreator{}, 1, 3, Size{X: 3, Y: 3}, 2)
	dims := Dims{Time: 11, Height: 8, Depth: 1}
	img := anyvec32.MakeVector(dims.Volume())
	anyvec.Rand(img, anyvec.Normal, nil)

	expected := naiveSameConv(layer, dims, img.Data().([]float32))
	actualRes, outDims := layer.Apply(anydiff.NewConst(img), 1, dims)
	actual := actualRes.Output().Data().([]float32)

	if outDims != (Dims{Time: 11, Height: 8, Depth: 3}) {
		t.Fatalf("unexpected output dims: %v", outDims)
	}
	for i, x := range expected {
		a := actual[i]
		if math.Abs(float64(x-a)) > 1e-3 {
			t.Errorf("output %d: should be %f but got %f", i, x, a)
			break
		}
	}
}

func TestSameConvProp(t *testing.T) {
	layer := NewSameConv(anyvec32.DefaultCreator{}, 2, 3, Size{X: 3, Y: 2}, 1)
	dims := Dims{Time: 6, Height: 5, Depth: 2}
	img := anyvec32.MakeVector(dims.Volume() * 2)
	anyvec.Rand(img, anyvec.Normal, nil)
	inVar := anydiff.NewVar(img)

	checker := anydifftest.ResChecker{
		F: func() anydiff.Res {
			out, _ := layer.Apply(inVar, 2, dims)
			return out
		},
		V:     []*anydiff.Var{inVar, layer.Filters, layer.Biases},
		Delta: 1e-5,
		Prec:  1e-2,
	}
	checker.FullCheck(t)
}

func naiveSameConv(s *SameConv, d Dims, img []float32) []float32 {
	effX := (s.KernelX-1)*s.Dilation + 1
	effY := (s.KernelY-1)*s.Dilation + 1
	beforeT, _ := samePad(d.Time, effX, 1)
	beforeH, _ := samePad(d.Height, effY, 1)

	filters := s.Filters.Vector.Data().([]float32)
	biases := s.Biases.Vector.Data().([]float32)
	fSize := s.KernelX * s.KernelY * s.InputDepth

	var res []float32
	for t := 0; t < d.Time; t++ {
		for y := 0; y < d.Height; y++ {
			for f := 0; f < s.FilterCount; f++ {
				sum := biases[f]
				filter := filters[fSize*f : fSize*(f+1)]
				for kt := 0; kt < s.KernelX; kt++ {
					it := t - beforeT + kt*s.Dilation
					if it < 0 || it >= d.Time {
						continue
					}
					for ky := 0; ky < s.KernelY; ky++ {
						iy := y - beforeH + ky*s.Dilation
						if iy < 0 || iy >= d.Height {
							continue
						}
						for z := 0; z < d.Depth; z++ {
							w := filter[(kt*s.KernelY+ky)*d.Depth+z]
							sum += w * img[(it*d.Height+iy)*d.Depth+z]
						}
					}
				}
				if sum < 0 {
					sum = 0
				}
				res = append(res, sum)
			}
		}
	}
	return res
}
