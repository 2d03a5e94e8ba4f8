package wsnet

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame is returned for a binary message that is not a valid frame
var ErrMalformedFrame = errors.New("wsnet: malformed frame")

// Frame field numbers. Values travel as packed fixed64 IEEE-754 bits, so a
// frame is readable by any protobuf decoder as
//
//	message Frame { int64 source = 1; int64 tag = 2; repeated double values = 3; }
const (
	fieldSource protowire.Number = 1
	fieldTag    protowire.Number = 2
	fieldValues protowire.Number = 3
)

// Frame is one point-to-point message on the wire
type Frame struct {
	Source int
	Tag    int
	Values []float64
}

// AppendFrame appends the encoding of f to b
func AppendFrame(b []byte, f Frame) []byte {
	b = protowire.AppendTag(b, fieldSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Source))
	b = protowire.AppendTag(b, fieldTag, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Tag))
	if len(f.Values) == 0 {
		return b
	}
	b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(f.Values)))
	for _, v := range f.Values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// DecodeFrame parses a frame. Unknown fields are skipped.
func DecodeFrame(b []byte) (Frame, error) {
	var (
		f                 Frame
		hasSource, hasTag bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: source: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Source, hasSource = int(v), true
			b = b[n:]

		case num == fieldTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: tag: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Tag, hasTag = int(v), true
			b = b[n:]

		case num == fieldValues && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: values: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			if len(raw)%8 != 0 {
				return Frame{}, fmt.Errorf("%w: values payload of %d bytes", ErrMalformedFrame, len(raw))
			}
			for len(raw) > 0 {
				bits, m := protowire.ConsumeFixed64(raw)
				if m < 0 {
					return Frame{}, fmt.Errorf("%w: values: %v", ErrMalformedFrame, protowire.ParseError(m))
				}
				f.Values = append(f.Values, math.Float64frombits(bits))
				raw = raw[m:]
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasSource || !hasTag {
		return Frame{}, fmt.Errorf("%w: missing source or tag", ErrMalformedFrame)
	}
	return f, nil
}
