package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name  string
		chunk any
		want  TextChunk
		ok    bool
	}{
		{"bytes", []byte("hello"), "hello", true},
		{"string", "hi", "hi", true},
		{"text chunk", TextChunk("as is"), "as is", true},
		{"ansi stripped", []byte("\x1b[32mgreen\x1b[0m done"), "green done", true},
		{"unknown", 42, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeChunk(tt.chunk)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLineSplitter(t *testing.T) {
	var s LineSplitter
	assert.Nil(t, s.Push("partial"))
	assert.Equal(t, []string{"partial line", "next"}, s.Push(" line\nnext\n"))

	// CRLF split across chunks still ends one line.
	assert.Nil(t, s.Push("crlf\r"))
	assert.Equal(t, []string{"crlf"}, s.Push("\nafter"))

	tail, ok := s.Flush()
	assert.True(t, ok)
	assert.Equal(t, "after", tail)
	_, ok = s.Flush()
	assert.False(t, ok)
}

func TestLineSplitterCarriageReturnOverwrites(t *testing.T) {
	var s LineSplitter
	lines := s.Push("progress 10%\rprogress 50%\rprogress 100%\n")
	assert.Equal(t, []string{"progress 100%"}, lines)
}

func decodeAll(chunks ...any) []string {
	var d Decoder
	var s LineSplitter
	var lines []string
	for _, c := range chunks {
		text, _ := d.Decode(c)
		lines = append(lines, s.Push(text)...)
	}
	lines = append(lines, s.Push(d.Flush())...)
	if tail, ok := s.Flush(); ok {
		lines = append(lines, tail)
	}
	return lines
}

func TestDecoderRuneSplitAcrossChunks(t *testing.T) {
	// "é" is c3 a9 and "✓" is e2 9c 93.
	lines := decodeAll([]byte("h\xc3"), []byte("\xa9llo \xe2\x9c"), []byte("\x93\n"))
	assert.Equal(t, []string{"héllo ✓"}, lines)
}

func TestDecoderEscapeSplitAcrossChunks(t *testing.T) {
	tests := []struct {
		name   string
		chunks []any
		want   []string
	}{
		{"csi params", []any{"\x1b[3", "2mgreen\x1b[0m\n"}, []string{"green"}},
		{"lone esc", []any{[]byte("red\x1b"), []byte("[31m!\x1b[0m\n")}, []string{"red!"}},
		{"osc title", []any{"\x1b]0;npm ins", "tall\x07added 3 packages\n"}, []string{"added 3 packages"}},
		{"osc split terminator", []any{"\x1b]0;title\x1b", "\\done\n"}, []string{"done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(tt.chunks...))
		})
	}
}

func TestDecoderHoldsOnlyIncompleteTail(t *testing.T) {
	var d Decoder
	text, ok := d.Decode([]byte("ready \x1b[1"))
	assert.True(t, ok)
	assert.Equal(t, TextChunk("ready "), text)

	text, _ = d.Decode([]byte("mnow"))
	assert.Equal(t, TextChunk("now"), text)
	assert.Equal(t, TextChunk(""), d.Flush())
}

func TestDecoderFlushesTruncatedRune(t *testing.T) {
	var d Decoder
	text, _ := d.Decode([]byte("end\xe2\x9c"))
	assert.Equal(t, TextChunk("end"), text)
	assert.Equal(t, TextChunk("�"), d.Flush())
}
