// Package norm normalizes arbitrary raster buffers into the canonical
// single-channel 8-bit representation the OCR network consumes.
package norm

import "fmt"

// A Raster is a 2D or 3D pixel buffer of one of the supported sample
// types. Data is row-major with channels innermost and must be one of
// []uint8, []int8, []uint16, []int16, []float32, []float64 or []bool
// of length Height*Width*Channels.
//
// Channels of 1 describes a plain 2D image.
type Raster struct {
	Height   int
	Width    int
	Channels int

	Data interface{}
}

// A Gray is a single-channel 8-bit intensity image.
type Gray struct {
	Height int
	Width  int

	// Pixels is row-major, Height*Width long.
	Pixels []uint8
}

// Normalize converts a raster to 8-bit grayscale.
//
// Unsigned 8-bit data passes through unchanged. Signed 8-bit is
// shifted by +128. 16-bit data is linearly downscaled (unsigned by
// 1/256; signed by 1/128 then shifted by +128). Floating point data is
// assumed to lie in [0,1] and is scaled by 255. Booleans map to 0 and
// 255. All float-to-int conversions truncate toward zero. Any other
// sample type is a caller bug and yields an error.
//
// Multi-channel rasters are collapsed to one channel by averaging the
// channels of each pixel in float32 and truncating back to uint8.
func Normalize(r Raster) (*Gray, error) {
	channels := r.Channels
	if channels == 0 {
		channels = 1
	}
	n := r.Height * r.Width * channels

	var flat []uint8
	switch data := r.Data.(type) {
	case []uint8:
		flat = data
	case []int8:
		flat = make([]uint8, len(data))
		for i, x := range data {
			flat[i] = uint8(int(x) + 128)
		}
	case []uint16:
		flat = make([]uint8, len(data))
		for i, x := range data {
			flat[i] = uint8(x / 256)
		}
	case []int16:
		flat = make([]uint8, len(data))
		for i, x := range data {
			flat[i] = uint8(int(x)/128 + 128)
		}
	case []float32:
		flat = make([]uint8, len(data))
		for i, x := range data {
			flat[i] = uint8(int(x * 255))
		}
	case []float64:
		flat = make([]uint8, len(data))
		for i, x := range data {
			flat[i] = uint8(int(x * 255))
		}
	case []bool:
		flat = make([]uint8, len(data))
		for i, x := range data {
			if x {
				flat[i] = 255
			}
		}
	default:
		return nil, fmt.Errorf("normalize raster: unknown image type: %T", r.Data)
	}

	if len(flat) != n {
		return nil, fmt.Errorf("normalize raster: buffer length %d does not match %dx%dx%d",
			len(flat), r.Height, r.Width, channels)
	}

	res := &Gray{Height: r.Height, Width: r.Width}
	if channels == 1 {
		res.Pixels = flat
		return res, nil
	}

	res.Pixels = make([]uint8, r.Height*r.Width)
	for i := range res.Pixels {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(flat[i*channels+c])
		}
		res.Pixels[i] = uint8(sum / float32(channels))
	}
	return res, nil
}
