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
	"io"

	"github.com/linsenhu/maxgate/go/bucketpool"
)

// This file contains the framed packet reader and the helpers that walk
// concatenations of complete frames. A frame is always handled with its
// 4-byte header attached: 3 bytes of payload length plus one sequence
// byte.

const (
	// readChunkSize is how much we try to pull off the socket in one
	// read call.
	readChunkSize = 16 * 1024
)

var readPool = bucketpool.New(readChunkSize, MaxPacketSize+HeaderLen)

// PayloadLen returns the payload length declared in a frame header.
func PayloadLen(frame []byte) int {
	_ = frame[2] // early bounds check
	return int(frame[0]) | int(frame[1])<<8 | int(frame[2])<<16
}

// PacketSeq returns the sequence byte of a frame.
func PacketSeq(frame []byte) byte {
	return frame[3]
}

// PacketCommand returns the command byte of a framed command packet, or
// 0 for an empty payload.
func PacketCommand(frame []byte) byte {
	if len(frame) < HeaderLen+1 {
		return 0
	}
	return frame[HeaderLen]
}

// writeHeader fills in the 4 header bytes at the start of frame.
func writeHeader(frame []byte, payloadLen int, seq byte) {
	_ = frame[3] // early bounds check
	frame[0] = byte(payloadLen)
	frame[1] = byte(payloadLen >> 8)
	frame[2] = byte(payloadLen >> 16)
	frame[3] = seq
}

// Reader yields complete MySQL frames from a byte stream. Bytes past a
// frame boundary are retained in the read queue and consumed before the
// source is read again.
type Reader struct {
	src   io.Reader
	readq []byte
}

// NewReader returns a Reader wrapping src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Buffered returns how many residue bytes are queued.
func (r *Reader) Buffered() int {
	return len(r.readq)
}

// complete reports whether the read queue holds at least one complete
// frame, and its total length if so.
func (r *Reader) complete() (int, bool) {
	if len(r.readq) < HeaderLen {
		return 0, false
	}
	n := HeaderLen + PayloadLen(r.readq)
	return n, len(r.readq) >= n
}

// ReadFrame returns the next complete frame, header included. It never
// returns a partial frame: the source is read until the declared length
// is buffered. wantMore is true when the frame's payload is exactly
// MaxPacketSize, meaning the next frame continues the same command.
func (r *Reader) ReadFrame() (frame []byte, wantMore bool, err error) {
	for {
		if n, ok := r.complete(); ok {
			frame = r.readq[:n:n]
			r.readq = r.readq[n:]
			return frame, len(frame)-HeaderLen == MaxPacketSize, nil
		}
		if err := r.fill(); err != nil {
			return nil, false, err
		}
	}
}

// fill performs one read from the source and appends to the read queue.
func (r *Reader) fill() error {
	scratch := readPool.Get(readChunkSize)
	defer readPool.Put(scratch)
	n, err := r.src.Read(*scratch)
	if n > 0 {
		r.readq = append(r.readq, (*scratch)[:n]...)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

// Prepend pushes bytes back to the front of the read queue. They will be
// consumed before anything else.
func (r *Reader) Prepend(data []byte) {
	if len(r.readq) == 0 {
		r.readq = append([]byte(nil), data...)
		return
	}
	q := make([]byte, 0, len(data)+len(r.readq))
	q = append(q, data...)
	q = append(q, r.readq...)
	r.readq = q
}

// WritePacket frames payload and writes it to w, splitting into
// continuation frames when the payload reaches MaxPacketSize. It
// returns the sequence byte to use for the next packet of the same
// exchange.
func WritePacket(w io.Writer, seq byte, payload []byte) (byte, error) {
	for {
		n := len(payload)
		if n > MaxPacketSize {
			n = MaxPacketSize
		}
		frame := make([]byte, HeaderLen+n)
		writeHeader(frame, n, seq)
		copy(frame[HeaderLen:], payload[:n])
		if _, err := w.Write(frame); err != nil {
			return seq, err
		}
		seq++
		payload = payload[n:]
		// A maximum-length frame is followed by another one, possibly
		// empty, so the receiver knows the command ended.
		if n < MaxPacketSize {
			return seq, nil
		}
	}
}

// NextPacket splits the first complete frame off a concatenation of
// frames. ok is false when data does not start with a complete frame.
func NextPacket(data []byte) (pkt, rest []byte, ok bool) {
	if len(data) < HeaderLen {
		return nil, data, false
	}
	n := HeaderLen + PayloadLen(data)
	if len(data) < n {
		return nil, data, false
	}
	return data[:n:n], data[n:], true
}

// CompletePackets splits data into a prefix of complete frames and the
// trailing residue.
func CompletePackets(data []byte) (complete, residue []byte) {
	pos := 0
	for {
		if len(data)-pos < HeaderLen {
			break
		}
		n := HeaderLen + PayloadLen(data[pos:])
		if len(data)-pos < n {
			break
		}
		pos += n
	}
	return data[:pos], data[pos:]
}

// CountPackets counts the complete frames in data.
func CountPackets(data []byte) int {
	count := 0
	for {
		pkt, rest, ok := NextPacket(data)
		if !ok {
			return count
		}
		_ = pkt
		count++
		data = rest
	}
}
