// Package frame decodes the newline-delimited JSON telemetry emitted by the
// mixer firmware: one flat object per line with keys pot1..potN.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultMaxLineLength bounds a telemetry line in bytes.
const DefaultMaxLineLength = 256

var (
	ErrEmpty         = errors.New("empty line")
	ErrLineTooLong   = errors.New("line too long")
	ErrMalformed     = errors.New("malformed json object")
	ErrUnexpectedKey = errors.New("unexpected key")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrMissingKey    = errors.New("missing key")
	ErrNotInteger    = errors.New("value is not an integer")
	ErrOutOfRange    = errors.New("value out of range")
)

// DecodeError describes why a line was rejected.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame holds raw samples indexed by pot number minus one.
// Frames are never mutated after Decode returns them.
type Frame []int

// Pot returns the raw sample for the 1-based pot index.
func (f Frame) Pot(n int) int {
	return f[n-1]
}

// Stats counts decoder outcomes.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Decoder validates telemetry lines.
type Decoder struct {
	channels      int
	maxRaw        int
	maxLineLength int

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewDecoder creates a decoder for lines with the given number of pots and ADC range.
func NewDecoder(channels, maxRaw, maxLineLength int) *Decoder {
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Decoder{
		channels:      channels,
		maxRaw:        maxRaw,
		maxLineLength: maxLineLength,
	}
}

// Channels returns the number of pot keys every line must carry.
func (d *Decoder) Channels() int { return d.channels }

// Decode parses one line. Every failure is returned as *DecodeError.
func (d *Decoder) Decode(line string) (Frame, error) {
	f, err := d.decode(line)
	if err != nil {
		d.rejected.Add(1)
		if len(line) > 64 {
			line = line[:64] + "..."
		}
		return nil, &DecodeError{Line: line, Err: err}
	}
	d.accepted.Add(1)
	return f, nil
}

// Validate reports whether line decodes; used to probe candidate ports.
func (d *Decoder) Validate(line string) error {
	_, err := d.decode(line)
	return err
}

// Stats returns a snapshot of the counters.
func (d *Decoder) Stats() Stats {
	return Stats{Accepted: d.accepted.Load(), Rejected: d.rejected.Load()}
}

func (d *Decoder) decode(line string) (Frame, error) {
	if len(line) > d.maxLineLength {
		return nil, ErrLineTooLong
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmpty
	}

	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, ErrMalformed
	}

	f := make(Frame, d.channels)
	seen := make([]bool, d.channels)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, ErrMalformed
		}
		key, ok := tok.(string)
		if !ok {
			return nil, ErrMalformed
		}

		idx, ok := d.potIndex(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedKey, key)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}

		tok, err = dec.Token()
		if err != nil {
			return nil, ErrMalformed
		}
		num, ok := tok.(json.Number)
		if !ok {
			if _, isDelim := tok.(json.Delim); isDelim {
				return nil, ErrMalformed
			}
			return nil, fmt.Errorf("%w: %s", ErrNotInteger, key)
		}
		v, err := strconv.ParseInt(num.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%s", ErrNotInteger, key, num)
		}
		if v < 0 || v > int64(d.maxRaw) {
			return nil, fmt.Errorf("%w: %s=%d (max %d)", ErrOutOfRange, key, v, d.maxRaw)
		}

		f[idx] = int(v)
		seen[idx] = true
	}

	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, ErrMalformed
	}
	// Nothing but whitespace may follow the object.
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrMalformed
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: pot%d", ErrMissingKey, i+1)
		}
	}

	return f, nil
}

// potIndex maps "potN" to N-1 when 1 <= N <= channels.
func (d *Decoder) potIndex(key string) (int, bool) {
	digits, ok := strings.CutPrefix(key, "pot")
	if !ok || digits == "" || digits[0] == '0' {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > d.channels {
		return 0, false
	}
	return n - 1, true
}

// Encode renders a frame in the wire format, without the trailing newline.
func Encode(f Frame) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "\"pot%d\":%d", i+1, v)
	}
	buf.WriteByte('}')
	return buf.String()
}
