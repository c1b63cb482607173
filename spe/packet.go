// SPDX-License-Identifier: Apache-2.0

// Package spe decodes the Arm Statistical Profiling Extension (SPE)
// packet stream. The format is architecture defined and independent of
// Linux; see the Arm ARM (DDI 0487) for the packet encodings.
package spe

import (
	"fmt"
	"strings"
)

// Kind identifies the packet type of a decoded Packet. Padding packets
// are consumed by the decoder and never surface as a Kind.
type Kind uint8

const (
	KindEnd Kind = iota
	KindTimestamp
	KindEvents
	KindDataSource
	KindContext
	KindOperation
	KindAddress
	KindCounter
)

var kindNames = [...]string{
	KindEnd:        "END",
	KindTimestamp:  "TS",
	KindEvents:     "EV",
	KindDataSource: "DATA-SOURCE",
	KindContext:    "CONTEXT",
	KindOperation:  "OP",
	KindAddress:    "ADDR",
	KindCounter:    "LAT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Address packet sub-types, selected by the short or extended header index.
const (
	AddrIdxInstruction uint8 = 0 // sampled instruction virtual address
	AddrIdxBranchTgt   uint8 = 1 // branch target virtual address
	AddrIdxDataVirt    uint8 = 2 // data access virtual address
	AddrIdxDataPhys    uint8 = 3 // data access physical address
	// SPEv1.2 optional packet: target virtual address of the most
	// recently taken branch in program order.
	AddrIdxPrevBranchTgt uint8 = 4
)

var addrIdxNames = [...]string{
	AddrIdxInstruction:   "PC",
	AddrIdxBranchTgt:     "TGT",
	AddrIdxDataVirt:      "VA",
	AddrIdxDataPhys:      "PA",
	AddrIdxPrevBranchTgt: "PBT",
}

// Counter packet sub-types.
const (
	CounterIdxTotal uint8 = 0
	CounterIdxIssue uint8 = 1
	CounterIdxXlat  uint8 = 2
)

var counterIdxNames = [...]string{
	CounterIdxTotal: "TOT",
	CounterIdxIssue: "ISSUE",
	CounterIdxXlat:  "XLAT",
}

// CounterName returns the latency counter name for a counter sub-type index.
func CounterName(idx uint8) string {
	if int(idx) < len(counterIdxNames) {
		return counterIdxNames[idx]
	}
	return ""
}

// eventBits is the fixed table of micro-architectural events carried by an
// Events packet, in payload bit order.
var eventBits = []struct {
	bit  uint
	name string
}{
	{0, "EXCEPTION-GEN"},
	{1, "RETIRED"},
	{2, "L1D-ACCESS"},
	{3, "L1D-REFILL"},
	{4, "TLB-ACCESS"},
	{5, "TLB-REFILL"},
	{6, "NOT-TAKEN"},
	{7, "MISPRED"},
	{8, "LLC-ACCESS"},
	{9, "LLC-REFILL"},
	{10, "REMOTE-ACCESS"},
	{11, "ALIGNMENT"},
	{12, "LATE-PREFETCH"},
	{17, "SVE-PARTIAL-PRED"},
	{18, "SVE-EMPTY-PRED"},
}

// Packet is one decoded token of the SPE byte stream. Index carries the
// sub-type for address, counter, context and operation packets; Payload
// carries the little-endian packet payload.
type Packet struct {
	Kind    Kind
	Index   uint8
	Payload uint64
}

const addrMask = (uint64(1) << 56) - 1

// Addr returns the low 56 address bits of an address packet payload.
func (p Packet) Addr() uint64 { return p.Payload & addrMask }

// NS returns the non-secure bit of an address packet payload.
func (p Packet) NS() uint8 { return uint8(p.Payload >> 63) }

// EL returns the exception level of an address packet payload.
func (p Packet) EL() uint8 { return uint8((p.Payload >> 61) & 0x3) }

// CH returns the change bit of a physical address packet payload.
func (p Packet) CH() uint8 { return uint8((p.Payload >> 62) & 0x1) }

// PAT returns the physical address attribute index of the payload.
func (p Packet) PAT() uint8 { return uint8((p.Payload >> 56) & 0xf) }

// EventNames returns the names of the events set in an Events packet
// payload bitmask, in payload bit order.
func EventNames(payload uint64) []string {
	var names []string
	for _, e := range eventBits {
		if payload&(1<<e.bit) != 0 {
			names = append(names, e.name)
		}
	}
	return names
}

// EventNames returns the names of the events set in an Events packet
// payload, in payload bit order.
func (p Packet) EventNames() []string {
	return EventNames(p.Payload)
}

// String renders the packet in the canonical single-line form used by the
// reference decoders, e.g. "PC 0xffc0c2868c8b5c el2 ns=1" or "LAT 7 ISSUE".
func (p Packet) String() string {
	switch p.Kind {
	case KindEnd:
		return "END"
	case KindTimestamp:
		return fmt.Sprintf("TS %d", p.Payload)
	case KindEvents:
		return "EV " + strings.Join(p.EventNames(), " ")
	case KindDataSource:
		return fmt.Sprintf("DATA-SOURCE %d", p.Payload)
	case KindContext:
		return fmt.Sprintf("CONTEXT %#x el%d", p.Payload, p.Index+1)
	case KindOperation:
		return p.Operation().String()
	case KindAddress:
		switch p.Index {
		case AddrIdxInstruction, AddrIdxBranchTgt, AddrIdxPrevBranchTgt:
			return fmt.Sprintf("%s %#x el%d ns=%d",
				addrIdxNames[p.Index], p.Addr(), p.EL(), p.NS())
		case AddrIdxDataVirt:
			// The virtual data address is tagged: the payload is kept whole.
			return fmt.Sprintf("VA %#x", p.Payload)
		case AddrIdxDataPhys:
			return fmt.Sprintf("PA %#x ns=%d ch=%d pat=%d",
				p.Addr(), p.NS(), p.CH(), p.PAT())
		}
		return fmt.Sprintf("ADDR[%d] %#x", p.Index, p.Payload)
	case KindCounter:
		return fmt.Sprintf("LAT %d %s", p.Payload, CounterName(p.Index))
	}
	return fmt.Sprintf("%s %#x", p.Kind, p.Payload)
}
