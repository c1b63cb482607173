// SPDX-License-Identifier: Apache-2.0

// Package records assembles SPE packet streams into flat, per-sample
// records with a fixed schema per record kind, suitable for columnar
// output.
package records

import (
	"strconv"
	"strings"
)

// Kind classifies an assembled record.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLoad
	KindStore
	KindBranch
	KindOther
)

var recordKindNames = [...]string{
	KindUnknown: "unknown",
	KindLoad:    "load",
	KindStore:   "store",
	KindBranch:  "branch",
	KindOther:   "other",
}

func (k Kind) String() string { return recordKindNames[k] }

// Record is one fully assembled sample.
type Record interface {
	RecordKind() Kind
}

// Symbolizable is implemented by records that carry an instruction
// pointer which can be annotated with a resolved symbol name.
type Symbolizable interface {
	// PCAddress returns the record's instruction pointer value, or
	// (0, false) when the record carries none.
	PCAddress() (uint64, bool)
	SetSymbol(name string)
}

// Branch is the fixed schema for branch samples.
type Branch struct {
	CPU       uint32 `parquet:"cpu"`
	Op        string `parquet:"op"`
	PC        string `parquet:"pc"`
	EL        uint8  `parquet:"el"`
	Condition bool   `parquet:"condition"`
	Indirect  bool   `parquet:"indirect"`
	Event     string `parquet:"event"`
	IssueLat  int64  `parquet:"issue_lat"`
	TotalLat  int64  `parquet:"total_lat"`
	BrTgt     string `parquet:"br_tgt"`
	BrTgtLvl  uint8  `parquet:"br_tgt_lvl"`
	PBT       string `parquet:"pbt"`
	PBTLvl    uint8  `parquet:"pbt_lvl"`
	Context   string `parquet:"context"`
	TS        uint64 `parquet:"ts"`
	Symbol    string `parquet:"symbol"`
}

// LoadStore is the fixed schema shared by load and store samples; Op
// distinguishes the two.
type LoadStore struct {
	CPU        uint32 `parquet:"cpu"`
	Op         string `parquet:"op"`
	PC         string `parquet:"pc"`
	EL         uint8  `parquet:"el"`
	Atomic     bool   `parquet:"atomic"`
	Excl       bool   `parquet:"excl"`
	AR         bool   `parquet:"ar"`
	Subclass   string `parquet:"subclass"`
	Event      string `parquet:"event"`
	IssueLat   int64  `parquet:"issue_lat"`
	TotalLat   int64  `parquet:"total_lat"`
	Vaddr      string `parquet:"vaddr"`
	XlatLat    int64  `parquet:"xlat_lat"`
	Paddr      string `parquet:"paddr"`
	DataSource string `parquet:"data_source"`
	Context    string `parquet:"context"`
	TS         uint64 `parquet:"ts"`
	Symbol     string `parquet:"symbol"`
}

// Other is the fixed schema for samples that are neither branches nor
// loads/stores.
type Other struct {
	CPU       uint32 `parquet:"cpu"`
	Op        string `parquet:"op"`
	PC        string `parquet:"pc"`
	EL        uint8  `parquet:"el"`
	Subclass  string `parquet:"subclass"`
	SVEEvl    int32  `parquet:"sve_evl"`
	SVEPred   bool   `parquet:"sve_pred"`
	SVEFP     bool   `parquet:"sve_fp"`
	Condition bool   `parquet:"condition"`
	Event     string `parquet:"event"`
	IssueLat  int64  `parquet:"issue_lat"`
	TotalLat  int64  `parquet:"total_lat"`
	Context   string `parquet:"context"`
	TS        uint64 `parquet:"ts"`
	Symbol    string `parquet:"symbol"`
}

// Unknown is a sample whose packets carried no recognizable operation.
// Unknown records are counted and dropped, never written out.
type Unknown struct{}

func (*Unknown) RecordKind() Kind { return KindUnknown }

func (r *Branch) RecordKind() Kind { return KindBranch }

func (r *LoadStore) RecordKind() Kind {
	if r.Op == "ST" {
		return KindStore
	}
	return KindLoad
}

func (r *Other) RecordKind() Kind { return KindOther }

// Column name lists, in CSV column order. The parquet schemas follow the
// same order through the struct field tags.
var (
	BranchColumns = []string{
		"cpu", "op", "pc", "el", "condition", "indirect", "event",
		"issue_lat", "total_lat", "br_tgt", "br_tgt_lvl", "pbt", "pbt_lvl",
		"context", "ts", "symbol",
	}
	LoadStoreColumns = []string{
		"cpu", "op", "pc", "el", "atomic", "excl", "ar", "subclass",
		"event", "issue_lat", "total_lat", "vaddr", "xlat_lat", "paddr",
		"data_source", "context", "ts", "symbol",
	}
	OtherColumns = []string{
		"cpu", "op", "pc", "el", "subclass", "sve_evl", "sve_pred",
		"sve_fp", "condition", "event", "issue_lat", "total_lat",
		"context", "ts", "symbol",
	}
)

func (r Branch) CSVRow() []string {
	return []string{
		strconv.FormatUint(uint64(r.CPU), 10), r.Op, r.PC,
		strconv.Itoa(int(r.EL)),
		strconv.FormatBool(r.Condition), strconv.FormatBool(r.Indirect),
		r.Event,
		strconv.FormatInt(r.IssueLat, 10), strconv.FormatInt(r.TotalLat, 10),
		r.BrTgt, strconv.Itoa(int(r.BrTgtLvl)),
		r.PBT, strconv.Itoa(int(r.PBTLvl)),
		r.Context, strconv.FormatUint(r.TS, 10), r.Symbol,
	}
}

func (r LoadStore) CSVRow() []string {
	return []string{
		strconv.FormatUint(uint64(r.CPU), 10), r.Op, r.PC,
		strconv.Itoa(int(r.EL)),
		strconv.FormatBool(r.Atomic), strconv.FormatBool(r.Excl),
		strconv.FormatBool(r.AR), r.Subclass, r.Event,
		strconv.FormatInt(r.IssueLat, 10), strconv.FormatInt(r.TotalLat, 10),
		r.Vaddr, strconv.FormatInt(r.XlatLat, 10), r.Paddr,
		r.DataSource, r.Context, strconv.FormatUint(r.TS, 10), r.Symbol,
	}
}

func (r Other) CSVRow() []string {
	return []string{
		strconv.FormatUint(uint64(r.CPU), 10), r.Op, r.PC,
		strconv.Itoa(int(r.EL)), r.Subclass,
		strconv.Itoa(int(r.SVEEvl)),
		strconv.FormatBool(r.SVEPred), strconv.FormatBool(r.SVEFP),
		strconv.FormatBool(r.Condition), r.Event,
		strconv.FormatInt(r.IssueLat, 10), strconv.FormatInt(r.TotalLat, 10),
		r.Context, strconv.FormatUint(r.TS, 10), r.Symbol,
	}
}

func (r *Branch) PCAddress() (uint64, bool)    { return parsePC(r.PC) }
func (r *Branch) SetSymbol(name string)        { r.Symbol = name }
func (r *LoadStore) PCAddress() (uint64, bool) { return parsePC(r.PC) }
func (r *LoadStore) SetSymbol(name string)     { r.Symbol = name }
func (r *Other) PCAddress() (uint64, bool)     { return parsePC(r.PC) }
func (r *Other) SetSymbol(name string)         { r.Symbol = name }

func parsePC(s string) (uint64, bool) {
	hexDigits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(hexDigits, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
