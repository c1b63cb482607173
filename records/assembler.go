// SPDX-License-Identifier: Apache-2.0

package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xinydev/telemetry-solution/spe"
)

// ErrInvalidRecordType is returned when a record's operation packet
// carries the reserved operation class.
var ErrInvalidRecordType = errors.New("invalid record type")

// ErrInvalidLoadStorePacket is returned when a load/store record carries
// an unrecognized operation sub-class.
var ErrInvalidLoadStorePacket = errors.New("invalid load/store packet")

// ErrInvalidBranchPacket is returned when a branch record carries an
// inconsistent operation attribute combination.
var ErrInvalidBranchPacket = errors.New("invalid branch packet")

// ErrInvalidDataSource is returned when a data-source packet's value is
// outside the fixed translation table.
var ErrInvalidDataSource = errors.New("invalid data source")

// dataSourceNames is the fixed data-source translation table.
var dataSourceNames = map[uint64]string{
	0:  "L1D",
	8:  "L2D",
	9:  "PEER-CPU",
	10: "LOCAL-CLUSTER",
	11: "LL-CACHE",
	12: "PEER-CLUSTER",
	13: "REMOTE",
	14: "DRAM",
}

// TranslateDataSource maps a data-source packet value to its name.
func TranslateDataSource(v uint64) (string, error) {
	name, ok := dataSourceNames[v]
	if !ok {
		return "", fmt.Errorf("%w: value %d", ErrInvalidDataSource, v)
	}
	return name, nil
}

// DefaultOtherEventExclusions is the event set removed from "Other"
// records before rendering. A CAS sample can have unexpected memory
// events set (SDEN-885747 erratum 1912195); the list is versioned policy
// and can be overridden per assembler.
var DefaultOtherEventExclusions = []string{
	"REMOTE-ACCESS",
	"LLC-REFILL",
	"LLC-ACCESS",
	"TLB-REFILL",
	"TLB-ACCESS",
	"L1D-REFILL",
	"L1D-ACCESS",
}

type regAddr struct {
	addr uint64
	el   uint8
	set  bool
}

type optValue struct {
	v   uint64
	set bool
}

// accumulator holds the most recently seen value of every packet kind
// within one record. Later packets of the same kind overwrite earlier
// ones; counter packets store per sub-type.
type accumulator struct {
	hasOp bool
	op    spe.Operation

	pc  regAddr
	tgt regAddr
	pbt regAddr
	va  optValue
	pa  optValue

	hasEvents bool
	events    uint64

	lat    [3]int64
	hasLat [3]bool

	source optValue
	ctx    optValue

	hasTS bool
	ts    uint64
}

// Assembler groups one region's packet stream into records. A Timestamp
// or End packet terminates the current record and resets the state.
type Assembler struct {
	cpu      uint32
	excluded map[string]struct{}
	acc      accumulator
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithOtherEventExclusions replaces the event exclusion set applied to
// "Other" records.
func WithOtherEventExclusions(names []string) Option {
	return func(a *Assembler) {
		a.excluded = make(map[string]struct{}, len(names))
		for _, n := range names {
			a.excluded[n] = struct{}{}
		}
	}
}

// NewAssembler returns an Assembler for records sampled on the given CPU.
func NewAssembler(cpu uint32, opts ...Option) *Assembler {
	a := &Assembler{cpu: cpu}
	WithOtherEventExclusions(DefaultOtherEventExclusions)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed merges one packet into the current record. On a terminator packet
// it returns the finalized Record; otherwise the returned Record is nil.
func (a *Assembler) Feed(pkt spe.Packet) (Record, error) {
	switch pkt.Kind {
	case spe.KindEnd:
		return a.finalize()
	case spe.KindTimestamp:
		a.acc.ts = pkt.Payload
		a.acc.hasTS = true
		return a.finalize()
	case spe.KindEvents:
		a.acc.events = pkt.Payload
		a.acc.hasEvents = true
	case spe.KindDataSource:
		a.acc.source = optValue{pkt.Payload, true}
	case spe.KindContext:
		a.acc.ctx = optValue{pkt.Payload, true}
	case spe.KindOperation:
		a.acc.op = pkt.Operation()
		a.acc.hasOp = true
	case spe.KindAddress:
		switch pkt.Index {
		case spe.AddrIdxInstruction:
			a.acc.pc = regAddr{pkt.Addr(), pkt.EL(), true}
		case spe.AddrIdxBranchTgt:
			a.acc.tgt = regAddr{pkt.Addr(), pkt.EL(), true}
		case spe.AddrIdxPrevBranchTgt:
			a.acc.pbt = regAddr{pkt.Addr(), pkt.EL(), true}
		case spe.AddrIdxDataVirt:
			// Keep the whole payload: the virtual address carries its tag.
			a.acc.va = optValue{pkt.Payload, true}
		case spe.AddrIdxDataPhys:
			a.acc.pa = optValue{pkt.Addr(), true}
		}
	case spe.KindCounter:
		if int(pkt.Index) < len(a.acc.lat) {
			a.acc.lat[pkt.Index] = int64(pkt.Payload)
			a.acc.hasLat[pkt.Index] = true
		}
	}
	return nil, nil
}

// finalize classifies the accumulated packets and builds the record.
func (a *Assembler) finalize() (Record, error) {
	acc := a.acc
	a.acc = accumulator{}

	if !acc.hasOp {
		return &Unknown{}, nil
	}
	switch acc.op.Class {
	case spe.OpClassLoadStore:
		return a.loadStore(&acc)
	case spe.OpClassBranch:
		return a.branch(&acc)
	case spe.OpClassOther:
		return a.other(&acc)
	}
	return nil, fmt.Errorf("%w: reserved operation class", ErrInvalidRecordType)
}

func (a *Assembler) branch(acc *accumulator) (Record, error) {
	op := acc.op
	if op.Cond && op.Indirect {
		return nil, fmt.Errorf("%w: both conditional and indirect set",
			ErrInvalidBranchPacket)
	}
	r := &Branch{
		CPU:       a.cpu,
		Op:        "B",
		Condition: op.Cond,
		Indirect:  op.Indirect,
		IssueLat:  acc.lat[spe.CounterIdxIssue],
		TotalLat:  acc.lat[spe.CounterIdxTotal],
		TS:        acc.ts,
	}
	if acc.hasEvents {
		r.Event = strings.Join(spe.EventNames(acc.events), ":")
	}
	if acc.pc.set {
		r.PC = hexString(acc.pc.addr)
		r.EL = acc.pc.el
	}
	if acc.tgt.set {
		r.BrTgt = hexString(acc.tgt.addr)
		r.BrTgtLvl = acc.tgt.el
	}
	if acc.pbt.set {
		r.PBT = hexString(acc.pbt.addr)
		r.PBTLvl = acc.pbt.el
	}
	if acc.ctx.set {
		r.Context = hexString(acc.ctx.v)
	}
	if r.EL == 2 {
		r.PC = patchEL2(r.PC)
	}
	if r.BrTgtLvl == 2 {
		r.BrTgt = patchEL2(r.BrTgt)
	}
	if r.PBTLvl == 2 {
		r.PBT = patchEL2(r.PBT)
	}
	return r, nil
}

func (a *Assembler) loadStore(acc *accumulator) (Record, error) {
	op := acc.op
	r := &LoadStore{
		CPU:      a.cpu,
		Op:       "LD",
		Subclass: "GP-REG",
		IssueLat: acc.lat[spe.CounterIdxIssue],
		TotalLat: acc.lat[spe.CounterIdxTotal],
		XlatLat:  acc.lat[spe.CounterIdxXlat],
		TS:       acc.ts,
	}
	if op.Store {
		r.Op = "ST"
	}
	if acc.source.set {
		name, err := TranslateDataSource(acc.source.v)
		if err != nil {
			return nil, err
		}
		r.DataSource = name
	}
	if acc.hasEvents {
		r.Event = strings.Join(spe.EventNames(acc.events), ":")
	}
	if acc.pc.set {
		r.PC = hexString(acc.pc.addr)
		r.EL = acc.pc.el
	}
	if acc.va.set {
		r.Vaddr = hexString(acc.va.v)
	}
	if acc.pa.set {
		r.Paddr = hexString(acc.pa.v)
	}
	if acc.ctx.set {
		r.Context = hexString(acc.ctx.v)
	}
	if op.Atomic {
		r.Atomic = true
		r.Subclass = ""
	}
	if op.Excl {
		r.Excl = true
		r.Subclass = ""
	}
	if op.AR {
		r.AR = true
		r.Subclass = ""
	}
	if op.SVE {
		r.Subclass = "SVE"
	}
	if !op.Atomic && !op.Excl && !op.AR && !op.SVE {
		name := op.Subclass.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: sub-class %#02x",
				ErrInvalidLoadStorePacket, uint8(op.Subclass))
		}
		r.Subclass = name
	}
	if r.EL == 2 {
		// The top address byte of EL2 addresses is elided by the trace;
		// restore it for both the PC and the data virtual address.
		r.PC = patchEL2(r.PC)
		r.Vaddr = patchEL2(r.Vaddr)
	}
	return r, nil
}

func (a *Assembler) other(acc *accumulator) (Record, error) {
	op := acc.op
	r := &Other{
		CPU:      a.cpu,
		Op:       "OTHER",
		IssueLat: acc.lat[spe.CounterIdxIssue],
		TotalLat: acc.lat[spe.CounterIdxTotal],
		TS:       acc.ts,
	}
	if op.SVEOther {
		r.Subclass = "SVE"
		r.SVEEvl = int32(op.EVL)
		r.SVEFP = op.SVEFP
		r.SVEPred = op.SVEPred
	} else {
		r.Subclass = "OTHER"
		r.Condition = op.CondSelect
	}
	if acc.hasEvents {
		var names []string
		for _, n := range spe.EventNames(acc.events) {
			if _, drop := a.excluded[n]; !drop {
				names = append(names, n)
			}
		}
		sort.Strings(names)
		r.Event = strings.Join(names, ":")
	}
	if acc.pc.set {
		r.PC = hexString(acc.pc.addr)
		r.EL = acc.pc.el
	}
	if acc.ctx.set {
		r.Context = hexString(acc.ctx.v)
	}
	if r.EL == 2 {
		r.PC = patchEL2(r.PC)
	}
	return r, nil
}

func hexString(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// patchEL2 restores the elided top address byte of an EL2 address by
// inserting "ff" right after the "0x" prefix.
func patchEL2(s string) string {
	if len(s) < 2 {
		return s
	}
	return s[:2] + "ff" + s[2:]
}
