package layers

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDefinition parses a compact network definition string into a
// descriptor list and a dropout rate.
//
// The definition is a comma-separated token list, e.g.
//
//	cnn=40:3x3,pool=2x2,db=80:2:3x3,tcnn=40:2x2,concat=1:4,lstm=200,dropout=0.5
//
// Tokens:
//
//	cnn=F[:KxK]      convolution, F filters, default 3x3 kernel
//	db=F:D[:KxK]     dilated block, F filters over D branches
//	tcnn=F[:SxS]     transposed convolution, default stride 2x2;
//	                 the kernel equals the stride
//	pool=KxK[:SxS]   max pooling, stride defaults to the kernel
//	concat=I:J[...]  channel concat of the listed tap indices
//	lstm=H           bidirectional LSTM with H hidden units
//	dropout=R        dropout rate before the logits projection
func ParseDefinition(def string) ([]Desc, float64, error) {
	maxArgs := map[string]int{
		"cnn":     2,
		"db":      3,
		"tcnn":    2,
		"pool":    2,
		"lstm":    1,
		"dropout": 1,
	}

	var descs []Desc
	var dropout float64
	for _, token := range strings.Split(def, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		kind, args, found := strings.Cut(token, "=")
		if !found {
			return nil, 0, fmt.Errorf("parse definition: missing '=' in %q", token)
		}
		parts := strings.Split(args, ":")
		if n, ok := maxArgs[kind]; ok && len(parts) > n {
			return nil, 0, fmt.Errorf("parse definition: too many arguments in %q", token)
		}
		var err error
		switch kind {
		case "cnn":
			d := Conv{Kernel: Size{X: 3, Y: 3}}
			if d.Filters, err = strconv.Atoi(parts[0]); err == nil && len(parts) > 1 {
				d.Kernel, err = parseSize(parts[1])
			}
			descs = append(descs, d)
		case "db":
			if len(parts) < 2 {
				return nil, 0, fmt.Errorf("parse definition: %q needs filters and depth", token)
			}
			d := Dilated{Kernel: Size{X: 3, Y: 3}}
			if d.Filters, err = strconv.Atoi(parts[0]); err == nil {
				if d.Depth, err = strconv.Atoi(parts[1]); err == nil && len(parts) > 2 {
					d.Kernel, err = parseSize(parts[2])
				}
			}
			descs = append(descs, d)
		case "tcnn":
			d := Transposed{Stride: Size{X: 2, Y: 2}}
			if d.Filters, err = strconv.Atoi(parts[0]); err == nil && len(parts) > 1 {
				d.Stride, err = parseSize(parts[1])
			}
			d.Kernel = d.Stride
			descs = append(descs, d)
		case "pool":
			var d Pool
			if d.Kernel, err = parseSize(parts[0]); err == nil {
				d.Stride = d.Kernel
				if len(parts) > 1 {
					d.Stride, err = parseSize(parts[1])
				}
			}
			descs = append(descs, d)
		case "concat":
			d := Concat{Sources: make([]int, len(parts))}
			for i, p := range parts {
				if d.Sources[i], err = strconv.Atoi(p); err != nil {
					break
				}
			}
			descs = append(descs, d)
		case "lstm":
			var d LSTM
			d.Hidden, err = strconv.Atoi(parts[0])
			descs = append(descs, d)
		case "dropout":
			dropout, err = strconv.ParseFloat(parts[0], 64)
		default:
			return nil, 0, fmt.Errorf("parse definition: unknown layer kind %q", kind)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("parse definition: token %q: %v", token, err)
		}
	}
	return descs, dropout, nil
}

func parseSize(s string) (Size, error) {
	xStr, yStr, found := strings.Cut(s, "x")
	if !found {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	x, err := strconv.Atoi(xStr)
	if err != nil {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	y, err := strconv.Atoi(yStr)
	if err != nil {
		return Size{}, fmt.Errorf("invalid size %q", s)
	}
	return Size{X: x, Y: y}, nil
}
