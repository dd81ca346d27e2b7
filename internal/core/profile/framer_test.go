package profile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthFieldRoundTrip(t *testing.T) {
	f := NewLengthFieldFramer()
	for _, l := range []int{0, 1, 1024, 1048575} {
		payload := bytes.Repeat([]byte{0xAB}, l)

		frame, err := f.EncodeFrame(payload)
		require.NoErrorf(t, err, "encode length %d", l)
		require.Len(t, frame, l+4)
		assert.Equal(t, uint32(l), binary.BigEndian.Uint32(frame))

		buf, err := f.ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
		require.NoErrorf(t, err, "decode length %d", l)
		assert.Equal(t, payload, buf.Bytes())
		buf.Release()
	}
}

func TestLengthFieldRejectsOversize(t *testing.T) {
	f := NewLengthFieldFramer()

	_, err := f.EncodeFrame(make([]byte, MaxLengthFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, MaxLengthFrame+1)
	_, err = f.ReadFrame(bufio.NewReader(bytes.NewReader(head)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestLengthFieldTruncatedFrame(t *testing.T) {
	f := NewLengthFieldFramer()
	head := make([]byte, 4, 8)
	binary.BigEndian.PutUint32(head, 10)
	head = append(head, 'p', 'a', 'r', 't')
	_, err := f.ReadFrame(bufio.NewReader(bytes.NewReader(head)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLineFramerDelimiters(t *testing.T) {
	f := NewLineFramer()
	r := bufio.NewReader(strings.NewReader("first\r\nsecond\n\nlast\n"))

	for _, want := range []string{"first", "second", "", "last"} {
		buf, err := f.ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf.Bytes()))
		buf.Release()
	}
	_, err := f.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineFramerEncodeAppendsNewline(t *testing.T) {
	f := NewLineFramer()
	frame, err := f.EncodeFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`+"\n", string(frame))
}

func TestLineFramerRejectsLongLine(t *testing.T) {
	f := NewLineFramer()
	long := strings.Repeat("x", MaxLineLength+1) + "\n"

	// Small reader buffer forces the ErrBufferFull accumulation path too.
	_, err := f.ReadFrame(bufio.NewReaderSize(strings.NewReader(long), 4096))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLineTooLong)

	_, err = f.EncodeFrame([]byte(strings.Repeat("x", MaxLineLength+1)))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestLineFramerMaxLengthLine(t *testing.T) {
	f := NewLineFramer()
	exact := strings.Repeat("y", MaxLineLength)
	buf, err := f.ReadFrame(bufio.NewReader(strings.NewReader(exact + "\n")))
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), MaxLineLength)
	buf.Release()
}

func TestRawFramerPassThrough(t *testing.T) {
	f := RawFramer{}
	buf, err := f.ReadFrame(bufio.NewReader(strings.NewReader("raw bytes")))
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(buf.Bytes()))
	buf.Release()

	frame, err := f.EncodeFrame([]byte("out"))
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), frame)
}
