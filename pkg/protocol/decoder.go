package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	SegmentSeparator = ";"
	FieldSeparator   = ","
)

var (
	ErrTooFewSegments = errors.New("too few segments")
	ErrFieldCount     = errors.New("position needs exactly 3 fields")
	ErrBadNumber      = errors.New("invalid number")
)

// DecodeError reports which segment of a message failed to decode.
type DecodeError struct {
	Index   int
	Segment string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("decode pose: %v", e.Err)
	}
	return fmt.Sprintf("decode pose segment %d (%s): %v", e.Index, e.Segment, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns raw pose messages into samples according to a layout.
type Decoder struct {
	layout Layout
}

func NewDecoder(layout Layout) *Decoder {
	if layout.Len() == 0 {
		layout = DefaultLayout()
	}
	return &Decoder{layout: layout}
}

func (d *Decoder) Layout() Layout {
	return d.layout
}

// DecodePose decodes a message with the default layout.
func DecodePose(data []byte) (PoseSample, error) {
	return NewDecoder(DefaultLayout()).Decode(data)
}

// Decode parses "<header>;x,y,z;x,y,z[;...]". Malformed hands reject the
// whole sample; malformed optional segments are kept without a position.
func (d *Decoder) Decode(data []byte) (PoseSample, error) {
	text := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	parts := strings.Split(text, SegmentSeparator)
	if len(parts) < minSegments {
		return PoseSample{}, &DecodeError{
			Index: len(parts),
			Err:   fmt.Errorf("%w: got %d want at least %d", ErrTooFewSegments, len(parts), minSegments),
		}
	}

	segments := make([]Segment, 0, len(parts))
	for i, part := range parts {
		seg := Segment{Name: d.layout.Name(i), Raw: part}
		if !d.layout.positional(i) {
			segments = append(segments, seg)
			continue
		}

		pos, err := parsePosition(part)
		if err != nil {
			if d.layout.required(i) {
				return PoseSample{}, &DecodeError{Index: i, Segment: seg.Name, Err: err}
			}
			segments = append(segments, seg)
			continue
		}
		seg.Raw = ""
		seg.Position = pos
		seg.HasPosition = true
		segments = append(segments, seg)
	}

	return PoseSample{Segments: segments}, nil
}

func parsePosition(raw string) (Vec3, error) {
	fields := strings.Split(raw, FieldSeparator)
	if len(fields) != 3 {
		return Vec3{}, fmt.Errorf("%w: got %d", ErrFieldCount, len(fields))
	}

	var out [3]float64
	for i, field := range fields {
		v, err := parseFloat(field)
		if err != nil {
			return Vec3{}, err
		}
		out[i] = v
	}
	return Vec3{X: out[0], Y: out[1], Z: out[2]}, nil
}

func parseFloat(field string) (float64, error) {
	field = strings.TrimSpace(field)
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrBadNumber, field)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w %q", ErrBadNumber, field)
	}
	return v, nil
}

// EncodePose formats positions in the wire format. The header segment is
// written as-is; it must not contain separators.
func EncodePose(header string, positions ...Vec3) []byte {
	var b strings.Builder
	b.WriteString(header)
	for _, p := range positions {
		b.WriteString(SegmentSeparator)
		b.WriteString(strconv.FormatFloat(p.X, 'g', -1, 64))
		b.WriteString(FieldSeparator)
		b.WriteString(strconv.FormatFloat(p.Y, 'g', -1, 64))
		b.WriteString(FieldSeparator)
		b.WriteString(strconv.FormatFloat(p.Z, 'g', -1, 64))
	}
	return []byte(b.String())
}
