// SPDX-License-Identifier: Apache-2.0

package spe

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// ErrBadPacket is returned when a header byte matches no known packet
// encoding. The byte stream cannot be re-synchronized past this point.
var ErrBadPacket = errors.New("bad SPE packet")

// ErrInvalidAddrPacket is returned for an address packet with an
// unrecognized sub-type index.
var ErrInvalidAddrPacket = errors.New("invalid SPE address packet")

// Short header encodings. The masked matches below follow the priority
// order of the architected header byte classification.
const (
	hdrPad       = 0x00
	hdrEnd       = 0x01
	hdrTimestamp = 0x71

	// bits [7:6] and [3:0]
	hdrMaskEvSrc = 0b11001111
	hdrEvents    = 0x42
	hdrSource    = 0x43

	// bits [7:2]
	hdrMaskCtxOp = 0b11111100
	hdrContext   = 0x64
	hdrOperation = 0x48
	hdrExtended  = 0x20

	// bits [7:3]; applies to both short and extended formats
	hdrMaskAddrCnt = 0b11111000
	hdrAddress     = 0xb0
	hdrCounter     = 0x98

	// second byte of an extended header for the removed alignment packet
	hdrExtAlignment = 0x00
)

// Decoder tokenizes one region's SPE byte stream into packets. It is a
// pure pull iterator: no state is shared and no work happens between
// Next calls.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder over the given trace bytes.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset returns the current byte offset into the region, for error
// reporting.
func (d *Decoder) Offset() int { return d.pos }

// Next returns the next packet of the stream. Padding packets and
// extended alignment packets are skipped, never returned. At the end of
// the region Next returns io.EOF.
func (d *Decoder) Next() (Packet, error) {
	for d.pos < len(d.buf) {
		hdr := d.buf[d.pos]
		d.pos++

		switch {
		case hdr == hdrPad:
			continue
		case hdr == hdrEnd:
			return Packet{Kind: KindEnd}, nil
		case hdr == hdrTimestamp:
			return d.payloadPacket(KindTimestamp, 0, hdr)
		case hdr&hdrMaskEvSrc == hdrEvents:
			return d.payloadPacket(KindEvents, 0, hdr)
		case hdr&hdrMaskEvSrc == hdrSource:
			return d.payloadPacket(KindDataSource, 0, hdr)
		case hdr&hdrMaskCtxOp == hdrContext:
			return d.payloadPacket(KindContext, hdr&0x3, hdr)
		case hdr&hdrMaskCtxOp == hdrOperation:
			return d.payloadPacket(KindOperation, hdr&0x3, hdr)
		}

		// A 16-bit extended header widens the sub-type index of the
		// address and counter packets: the low two bits of the first
		// byte concatenate with the low three bits of the second, which
		// also carries the payload size field.
		index := hdr & 0x7
		if hdr&hdrMaskCtxOp == hdrExtended {
			ext := hdr
			if d.pos >= len(d.buf) {
				return Packet{}, io.ErrUnexpectedEOF
			}
			hdr = d.buf[d.pos]
			d.pos++
			if hdr == hdrExtAlignment {
				log.Warn("alignment packet has been removed in Armv8.5, skipping")
				continue
			}
			index = (ext&0x3)<<3 | hdr&0x7
		}

		switch {
		case hdr&hdrMaskAddrCnt == hdrAddress:
			if int(index) >= len(addrIdxNames) {
				return Packet{}, fmt.Errorf("%w: sub-type %d at offset %d",
					ErrInvalidAddrPacket, index, d.pos-1)
			}
			return d.payloadPacket(KindAddress, index, hdr)
		case hdr&hdrMaskAddrCnt == hdrCounter:
			if int(index) >= len(counterIdxNames) {
				return Packet{}, fmt.Errorf("%w: counter sub-type %d at offset %d",
					ErrBadPacket, index, d.pos-1)
			}
			return d.payloadPacket(KindCounter, index, hdr)
		}

		return Packet{}, fmt.Errorf("%w: header byte %#02x at offset %d",
			ErrBadPacket, hdr, d.pos-1)
	}
	return Packet{}, io.EOF
}

// payloadPacket reads the payload that follows the header byte and builds
// the packet. The payload length is encoded in the header size field as
// 1 << sz bytes (1, 2, 4 or 8), read little-endian.
func (d *Decoder) payloadPacket(kind Kind, index, hdr uint8) (Packet, error) {
	n := 1 << ((hdr & 0b00110000) >> 4)
	if d.pos+n > len(d.buf) {
		return Packet{}, io.ErrUnexpectedEOF
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(d.buf[d.pos+i]) << (8 * i)
	}
	d.pos += n
	return Packet{Kind: kind, Index: index, Payload: v}, nil
}
