package cacheproto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds one encoded message.
const MaxLineSize = 16 << 20

// ErrLineTooLong is returned by Decoder when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("cacheproto: line too long")

// Encoder writes one message per line. Writes are serialized, so lines
// from concurrent callers never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline in a single Write.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cacheproto: encode: %w", err)
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	for len(b) > 0 {
		n, err := e.w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Decoder reads newline-terminated messages, reassembling lines split
// across reads. Blank lines are skipped.
type Decoder struct {
	r   *bufio.Reader
	buf []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// ReadLine returns the next non-blank line without its terminator. A final
// line without a newline is returned before io.EOF. The slice is valid
// until the next call.
func (d *Decoder) ReadLine() ([]byte, error) {
	for {
		d.buf = d.buf[:0]
		for {
			frag, err := d.r.ReadSlice('\n')
			if len(d.buf)+len(frag) > MaxLineSize {
				return nil, ErrLineTooLong
			}
			d.buf = append(d.buf, frag...)
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(d.buf)) > 0 {
				return bytes.TrimSpace(d.buf), nil
			}
			return nil, err
		}
		if line := bytes.TrimSpace(d.buf); len(line) > 0 {
			return line, nil
		}
	}
}

// Decode reads the next line into v.
func (d *Decoder) Decode(v any) error {
	line, err := d.ReadLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("cacheproto: decode: %w", err)
	}
	return nil
}
