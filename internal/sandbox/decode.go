package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/ehrlich-b/devroom/internal/logger"
)

// TextChunk is process output after decoding and ANSI stripping.
type TextChunk string

// maxHeldEscape bounds how much of an unterminated escape sequence a
// Decoder carries between chunks before giving up on it.
const maxHeldEscape = 4096

const (
	esc = 0x1b
	bel = 0x07
)

// DecodeChunk normalises one self-contained output chunk. []byte, string
// and TextChunk are accepted; anything else is skipped with a warning.
// Streams should use a Decoder, which keeps state across chunks.
func DecodeChunk(chunk any) (TextChunk, bool) {
	var d Decoder
	text, ok := d.Decode(chunk)
	if !ok {
		return "", false
	}
	return text + d.Flush(), true
}

// Decoder normalises a stream of output chunks. A multi-byte rune or an
// escape sequence split across two reads is held back until the rest of
// it arrives.
type Decoder struct {
	pending []byte
}

// Decode consumes one chunk and returns the text it completes. The text
// may be empty when the whole chunk is held.
func (d *Decoder) Decode(chunk any) (TextChunk, bool) {
	var b []byte
	switch v := chunk.(type) {
	case TextChunk:
		b = []byte(v)
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		logger.Warn("skipping undecodable output chunk", "type", fmt.Sprintf("%T", chunk))
		return "", false
	}

	data := append(d.pending, b...)
	cut := len(data) - incompleteTail(data)
	d.pending = append([]byte(nil), data[cut:]...)
	return TextChunk(ansi.Strip(string(data[:cut]))), true
}

// Flush returns whatever is still held. Called when the stream ends.
func (d *Decoder) Flush() TextChunk {
	if len(d.pending) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.pending), "�")
	d.pending = nil
	return TextChunk(ansi.Strip(s))
}

// incompleteTail returns the length of the suffix of data that cannot be
// decoded yet: an unterminated escape sequence or a truncated rune.
func incompleteTail(data []byte) int {
	if i := bytes.LastIndexByte(data, esc); i >= 0 && len(data)-i <= maxHeldEscape {
		if !escapeComplete(data[i:]) {
			// A lone trailing ESC may be the first half of the ST that
			// ends an earlier string sequence.
			if i == len(data)-1 {
				if j := bytes.LastIndexByte(data[:i], esc); j >= 0 && len(data)-j <= maxHeldEscape && !escapeComplete(data[j:]) {
					i = j
				}
			}
			return len(data) - i
		}
	}
	// A rune is at most 4 bytes; look for the start of the last one.
	for n := 1; n <= utf8.UTFMax-1 && n <= len(data); n++ {
		c := data[len(data)-n]
		if c < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(data[len(data)-n:]) {
				return 0
			}
			return n
		}
	}
	return 0
}

// escapeComplete reports whether seq, which starts with ESC, holds a whole
// escape sequence.
func escapeComplete(seq []byte) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[': // CSI: parameters and intermediates, then one final byte
		for _, c := range seq[2:] {
			if c >= 0x40 && c <= 0x7e {
				return true
			}
			if c < 0x20 || c > 0x3f {
				// Not a CSI body byte; let the stripper deal with it.
				return true
			}
		}
		return false
	case ']', 'P', '_', '^', 'X': // OSC, DCS, APC, PM, SOS: end at BEL or ST
		body := seq[2:]
		if seq[1] == ']' && bytes.IndexByte(body, bel) >= 0 {
			return true
		}
		return bytes.Contains(body, []byte{esc, '\\'})
	default:
		return true
	}
}

// LineSplitter reassembles chunks into whole lines. A bare carriage
// return discards the pending line, as a terminal would overwrite it.
type LineSplitter struct {
	partial   strings.Builder
	pendingCR bool
}

// Push consumes a chunk and returns the lines it completed.
func (s *LineSplitter) Push(c TextChunk) []string {
	var lines []string
	for _, r := range string(c) {
		if s.pendingCR {
			s.pendingCR = false
			if r == '\n' {
				lines = append(lines, s.take())
				continue
			}
			s.partial.Reset()
		}
		switch r {
		case '\r':
			s.pendingCR = true
		case '\n':
			lines = append(lines, s.take())
		default:
			s.partial.WriteRune(r)
		}
	}
	return lines
}

// Flush returns any unterminated trailing text.
func (s *LineSplitter) Flush() (string, bool) {
	s.pendingCR = false
	if s.partial.Len() == 0 {
		return "", false
	}
	return s.take(), true
}

func (s *LineSplitter) take() string {
	line := s.partial.String()
	s.partial.Reset()
	return line
}
