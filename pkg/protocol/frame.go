package protocol

import (
	"encoding/json"
	"errors"
	"io"
)

const (
	// DefaultMaxBufferSize bounds the bytes a Decoder will hold for an
	// incomplete frame (1 MB)
	DefaultMaxBufferSize = 1024 * 1024
)

var ErrBufferOverflow = errors.New("frame buffer exceeds maximum size")

// Frame is one complete, valid message cut out of the stream.
type Frame struct {
	Message Message
	Raw     []byte // exact bytes of the JSON object, owned by the Frame
}

// FrameResult is the outcome of one ExtractMessages call.
type FrameResult struct {
	Frames []Frame
	// Consumed is the length of the buffer prefix the caller must discard.
	// Everything after it is an incomplete frame that must be kept.
	Consumed int
	// Dropped counts spans that were discarded: malformed JSON, bad
	// envelopes, top-level arrays, and stray bytes outside any object.
	Dropped int
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// spanEnd returns the index of the bracket that closes the object or array
// opened at buf[start], or -1 if it is not complete yet. Only the opening
// bracket's kind is counted. Brackets inside string literals are ignored,
// as is any character following a backslash.
func spanEnd(buf []byte, start int) int {
	open, closing := buf[start], byte('}')
	if open == '[' {
		closing = ']'
	}
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(buf); i++ {
		c := buf[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ExtractMessages scans buf for complete top-level JSON objects and returns
// the valid envelopes among them in stream order. It never fails: malformed
// spans are skipped and counted, and a trailing partial object is left
// unconsumed for the next call.
func ExtractMessages(buf []byte) FrameResult {
	var res FrameResult
	pos := 0

	for {
		for pos < len(buf) && isSpace(buf[pos]) {
			pos++
		}
		if pos >= len(buf) {
			break
		}

		if buf[pos] == '[' {
			// A top-level array is never a frame, even if it holds envelopes
			end := spanEnd(buf, pos)
			if end < 0 {
				break
			}
			res.Dropped++
			pos = end + 1
			continue
		}

		if buf[pos] != '{' {
			// Stray bytes between objects. Skip to the next candidate.
			next := -1
			for i := pos + 1; i < len(buf); i++ {
				if buf[i] == '{' || buf[i] == '[' {
					next = i
					break
				}
			}
			res.Dropped++
			if next < 0 {
				pos = len(buf)
				break
			}
			pos = next
			continue
		}

		end := spanEnd(buf, pos)
		if end < 0 {
			break
		}

		raw := buf[pos : end+1]
		pos = end + 1

		msg, err := ParseMessage(raw)
		if err != nil {
			res.Dropped++
			continue
		}
		res.Frames = append(res.Frames, Frame{
			Message: msg,
			Raw:     append([]byte(nil), raw...),
		})
	}

	res.Consumed = pos
	return res
}

// Decoder is the per-connection parse buffer. It accumulates chunks as they
// arrive and hands back every frame that has become complete.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
	dropped uint64
}

// NewDecoder creates a decoder. maxSize caps the retained partial frame;
// 0 means unbounded.
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends chunk and extracts all complete frames. The number of spans
// dropped during this call is returned alongside. When the leftover partial
// frame grows past the cap, ErrBufferOverflow is returned together with any
// frames that completed before it.
func (d *Decoder) Feed(chunk []byte) ([]Frame, int, error) {
	d.buf = append(d.buf, chunk...)

	res := ExtractMessages(d.buf)
	if res.Consumed > 0 {
		n := copy(d.buf, d.buf[res.Consumed:])
		d.buf = d.buf[:n]
	}
	d.dropped += uint64(res.Dropped)

	if d.maxSize > 0 && len(d.buf) > d.maxSize {
		return res.Frames, res.Dropped, ErrBufferOverflow
	}
	return res.Frames, res.Dropped, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Dropped returns the total number of spans discarded since creation.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Reset discards any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// EncodeMessage serializes msg as one frame terminated by a newline.
// The newline is cosmetic; receivers delimit frames by brace depth.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteMessage encodes msg and writes it to w in a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
