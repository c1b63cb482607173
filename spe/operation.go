// SPDX-License-Identifier: Apache-2.0

package spe

import (
	"strconv"
	"strings"
)

// OpClass is the operation class carried in the low two bits of an
// Operation packet header.
type OpClass uint8

const (
	OpClassOther     OpClass = 0
	OpClassLoadStore OpClass = 1
	OpClassBranch    OpClass = 2
	OpClassReserved  OpClass = 3
)

// LdstSubclass identifies the load/store operation sub-class encoded in
// bits [7:1] of the operation payload.
type LdstSubclass uint8

const (
	LdstGPReg     LdstSubclass = 0x00
	LdstSIMDFP    LdstSubclass = 0x04
	LdstMTETag    LdstSubclass = 0x14
	LdstUnspecReg LdstSubclass = 0x10
	LdstMemcpy    LdstSubclass = 0x20
	LdstMemset    LdstSubclass = 0x24
	LdstNVSysReg  LdstSubclass = 0x30
)

var ldstSubclassNames = map[LdstSubclass]string{
	LdstGPReg:     "GP-REG",
	LdstSIMDFP:    "SIMD-FP",
	LdstUnspecReg: "UNSPEC-REG",
	LdstNVSysReg:  "NV-SYSREG",
	LdstMTETag:    "MTE-TAG",
	LdstMemcpy:    "MEMCPY",
	LdstMemset:    "MEMSET",
}

// Name returns the canonical sub-class token, or "" for an unrecognized
// sub-class value.
func (s LdstSubclass) Name() string { return ldstSubclassNames[s] }

// Operation is the fully decoded form of an Operation packet payload.
// Only the fields belonging to Class are meaningful.
type Operation struct {
	Class OpClass

	// Class "other".
	SVEOther   bool
	CondSelect bool

	// Class load/store/atomic.
	Store    bool
	Atomic   bool
	Excl     bool
	AR       bool
	Subclass LdstSubclass

	// SVE attributes, valid for SVE load/store and SVE "other" operations.
	SVE     bool
	EVL     int
	SVEPred bool
	SVEFP   bool
	SVESG   bool

	// Class branch/exception-return.
	Cond     bool
	Indirect bool
}

// Operation decodes the payload of an operation packet. Calling it on any
// other packet kind returns a zero Operation.
func (p Packet) Operation() Operation {
	if p.Kind != KindOperation {
		return Operation{}
	}
	op := Operation{Class: OpClass(p.Index & 0x3)}
	v := p.Payload
	switch op.Class {
	case OpClassOther:
		// 0b0000000x is a plain other operation, 0b0xxx1xx0 an SVE one.
		if v&0b10001001 == 0b1000 {
			op.SVEOther = true
			op.SVE = true
			op.EVL = 32 << ((v >> 4) & 0x7)
			op.SVEFP = v&0x2 != 0
			op.SVEPred = v&0x4 != 0
		} else {
			op.CondSelect = v&0x1 != 0
		}
	case OpClassLoadStore:
		op.Store = v&0x1 != 0
		if v&0b11100010 == 0b10 {
			// Atomic or exclusive access attributes are only valid in
			// the at/excl encoding group.
			op.Atomic = v&0x4 != 0
			op.Excl = v&0x8 != 0
			op.AR = v&0x10 != 0
		}
		op.Subclass = LdstSubclass(v & 0b11111110)
		if v&0b1010 == 0b1000 {
			op.SVE = true
			op.EVL = 32 << ((v >> 4) & 0x7)
			op.SVEPred = v&0x4 != 0
			op.SVESG = v&0x80 != 0
		}
	case OpClassBranch:
		op.Cond = v&0x1 != 0
		op.Indirect = v&0b11111110 == 0b10
	}
	return op
}

// String renders the operation as the canonical space-separated token list,
// e.g. "LD GP-REG", "ST EVLEN 128 PRED" or "B COND".
func (op Operation) String() string {
	var toks []string
	switch op.Class {
	case OpClassOther:
		if op.SVEOther {
			toks = append(toks, "SVE-OTHER", "EVLEN", strconv.Itoa(op.EVL))
			if op.SVEFP {
				toks = append(toks, "FP")
			}
			if op.SVEPred {
				toks = append(toks, "PRED")
			}
		} else {
			toks = append(toks, "OTHER")
			if op.CondSelect {
				toks = append(toks, "COND-SELECT")
			} else {
				toks = append(toks, "INSN-OTHER")
			}
		}
	case OpClassLoadStore:
		if op.Store {
			toks = append(toks, "ST")
		} else {
			toks = append(toks, "LD")
		}
		if op.Atomic {
			toks = append(toks, "AT")
		}
		if op.Excl {
			toks = append(toks, "EXCL")
		}
		if op.AR {
			toks = append(toks, "AR")
		}
		if name := op.Subclass.Name(); name != "" {
			toks = append(toks, name)
		}
		if op.SVE {
			toks = append(toks, "EVLEN", strconv.Itoa(op.EVL))
			if op.SVEPred {
				toks = append(toks, "PRED")
			}
			if op.SVESG {
				toks = append(toks, "SG")
			}
		}
	case OpClassBranch:
		toks = append(toks, "B")
		if op.Cond {
			toks = append(toks, "COND")
		}
		if op.Indirect {
			toks = append(toks, "IND")
		}
	}
	return strings.Join(toks, " ")
}
