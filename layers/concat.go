package layers

import (
	"github.com/unixpickle/anydiff"
)

// ConcatDepth concatenates feature maps along the channel axis.
//
// Every input must share the same time and height extents; violating
// that is a shape error in the architecture and panics.
func ConcatDepth(ins []anydiff.Res, dims []Dims, batch int) (anydiff.Res, Dims) {
	if len(ins) == 0 {
		panic("depth concat: no inputs")
	}
	out := Dims{Time: dims[0].Time, Height: dims[0].Height}
	for _, d := range dims {
		if d.Time != out.Time || d.Height != out.Height {
			panic("depth concat: mismatched input shapes")
		}
		out.Depth += d.Depth
	}

	c := ins[0].Output().Creator()
	var sum anydiff.Res
	offset := 0
	for k, in := range ins {
		d := dims[k]
		table := make([]int, 0, d.Volume())
		for t := 0; t < d.Time; t++ {
			for y := 0; y < d.Height; y++ {
				base := (t*out.Height+y)*out.Depth + offset
				for z := 0; z < d.Depth; z++ {
					table = append(table, base+z)
				}
			}
		}
		placed := scatter(c.MakeMapper(out.Volume(), table), in, batch)
		if sum == nil {
			sum = placed
		} else {
			sum = anydiff.Add(sum, placed)
		}
		offset += d.Depth
	}
	return sum, out
}
