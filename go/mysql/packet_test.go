/*
Copyright 2021 The Maxgate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mysql

import (
	"bytes"
	"crypto/rand"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(seq byte, payload []byte) []byte {
	f := make([]byte, HeaderLen+len(payload))
	writeHeader(f, len(payload), seq)
	copy(f[HeaderLen:], payload)
	return f
}

func TestReaderRoundTrip(t *testing.T) {
	// A concatenation of valid frames must come back out frame by
	// frame, and re-concatenating the output must reproduce the input.
	payloads := [][]byte{
		{0x03, 'S', 'E', 'L', 'E', 'C', 'T', ' ', '1'},
		{},
		{0x0e},
		make([]byte, 5000),
	}
	var stream []byte
	for i, p := range payloads {
		stream = append(stream, frame(byte(i), p)...)
	}

	r := NewReader(bytes.NewReader(stream))
	var out []byte
	for range payloads {
		f, wantMore, err := r.ReadFrame()
		require.NoError(t, err)
		assert.False(t, wantMore)
		out = append(out, f...)
	}
	assert.Equal(t, stream, out)
	assert.Zero(t, r.Buffered())
}

func TestReaderPartialDelivery(t *testing.T) {
	// Feed the stream one byte at a time: the reader must never yield
	// a partial frame.
	payload := []byte("do not fragment me")
	f := frame(0, payload)

	r := NewReader(iotest(f))
	got, wantMore, err := r.ReadFrame()
	require.NoError(t, err)
	assert.False(t, wantMore)
	assert.Equal(t, f, got)
}

// iotest returns a reader that delivers data one byte per Read call.
func iotest(data []byte) *oneByteReader {
	return &oneByteReader{data: data}
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, bytes.ErrTooLarge
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderResidue(t *testing.T) {
	// Bytes past a frame boundary stay queued and are consumed before
	// the source is read again.
	f1 := frame(0, []byte{ComPing})
	f2 := frame(1, []byte("residue"))
	r := NewReader(bytes.NewReader(nil))
	r.Prepend(append(append([]byte(nil), f1...), f2...))

	got, _, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, f1, got)
	assert.Equal(t, len(f2), r.Buffered())

	got, _, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, f2, got)
}

func TestWritePacketSplitting(t *testing.T) {
	tests := []struct {
		size   int
		frames int
	}{
		{10, 1},
		{MaxPacketSize - 1, 1},
		// Exactly the limit: a trailing empty frame announces the end.
		{MaxPacketSize, 2},
		{MaxPacketSize + 1000, 2},
	}
	for _, tc := range tests {
		payload := make([]byte, tc.size)
		payload[0] = 0xab
		payload[tc.size-1] = 0xef

		var buf bytes.Buffer
		next, err := WritePacket(&buf, 0, payload)
		require.NoError(t, err)
		assert.EqualValues(t, tc.frames, next)

		// Reading the frames back and stripping headers must
		// reproduce the payload.
		r := NewReader(bytes.NewReader(buf.Bytes()))
		var out []byte
		for i := 0; i < tc.frames; i++ {
			f, wantMore, err := r.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, byte(i), PacketSeq(f))
			assert.Equal(t, i < tc.frames-1, wantMore)
			out = append(out, f[HeaderLen:]...)
		}
		assert.Equal(t, payload, out)
	}
}

func TestCompletePackets(t *testing.T) {
	f1 := frame(0, []byte("one"))
	f2 := frame(1, []byte("two"))
	partial := frame(2, []byte("three"))[:6]

	data := append(append(append([]byte(nil), f1...), f2...), partial...)
	complete, residue := CompletePackets(data)
	assert.Equal(t, append(append([]byte(nil), f1...), f2...), complete)
	assert.Equal(t, partial, residue)
	assert.Equal(t, 2, CountPackets(data))
}

func TestNextPacketFuzz(t *testing.T) {
	// Splitting random concatenations of frames must reproduce the
	// frames in order.
	for i := 0; i < 100; i++ {
		n := mrand.Intn(10) + 1
		var frames [][]byte
		var stream []byte
		for j := 0; j < n; j++ {
			payload := make([]byte, mrand.Intn(64))
			_, err := rand.Read(payload)
			require.NoError(t, err)
			f := frame(byte(j), payload)
			frames = append(frames, f)
			stream = append(stream, f...)
		}
		for _, want := range frames {
			pkt, rest, ok := NextPacket(stream)
			require.True(t, ok)
			assert.Equal(t, want, pkt)
			stream = rest
		}
		assert.Empty(t, stream)
	}
}
