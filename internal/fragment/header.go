// Package fragment implements the UDP fragment format used by push-mode
// cameras and the reassembly state machine that rebuilds frames from
// lossy, reordered, duplicated datagrams.
//
// Each datagram carries a 12-byte big-endian header followed by a slice of
// one frame's bytes:
//
//	[frame_id:u32][fragment_index:u16][total_fragments:u16][total_size:u32][payload]
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of the fragment header.
const HeaderSize = 12

// MaxDatagramSize is the largest datagram a producer sends, sized to fit an
// Ethernet MTU without IP fragmentation.
const MaxDatagramSize = 1500

// MaxPayloadSize is the largest payload carried by a single datagram.
const MaxPayloadSize = MaxDatagramSize - HeaderSize

// ErrShortDatagram is returned for datagrams smaller than the header.
var ErrShortDatagram = errors.New("fragment: datagram shorter than header")

// Header is the decoded fragment header.
type Header struct {
	FrameID        uint32
	Index          uint16
	TotalFragments uint16
	TotalSize      uint32
}

// Parse decodes the header of pkt and returns it with the payload slice.
// The payload aliases pkt.
func Parse(pkt []byte) (Header, []byte, error) {
	if len(pkt) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(pkt))
	}
	h := Header{
		FrameID:        binary.BigEndian.Uint32(pkt[0:4]),
		Index:          binary.BigEndian.Uint16(pkt[4:6]),
		TotalFragments: binary.BigEndian.Uint16(pkt[6:8]),
		TotalSize:      binary.BigEndian.Uint32(pkt[8:12]),
	}
	return h, pkt[HeaderSize:], nil
}

// Encode appends the header followed by payload to dst.
func Encode(dst []byte, h Header, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.FrameID)
	dst = binary.BigEndian.AppendUint16(dst, h.Index)
	dst = binary.BigEndian.AppendUint16(dst, h.TotalFragments)
	dst = binary.BigEndian.AppendUint32(dst, h.TotalSize)
	return append(dst, payload...)
}

// Split cuts frame into datagrams of at most maxPayload payload bytes each,
// all tagged with frameID. A non-positive maxPayload selects MaxPayloadSize.
// An empty frame yields a single empty fragment.
func Split(frameID uint32, frame []byte, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		maxPayload = MaxPayloadSize
	}
	total := (len(frame) + maxPayload - 1) / maxPayload
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("fragment: frame of %d bytes needs %d fragments, max %d", len(frame), total, 0xFFFF)
	}

	pkts := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * maxPayload
		hi := min(lo+maxPayload, len(frame))
		h := Header{
			FrameID:        frameID,
			Index:          uint16(i),
			TotalFragments: uint16(total),
			TotalSize:      uint32(len(frame)),
		}
		pkts = append(pkts, Encode(make([]byte, 0, HeaderSize+hi-lo), h, frame[lo:hi]))
	}
	return pkts, nil
}
