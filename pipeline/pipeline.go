// SPDX-License-Identifier: Apache-2.0

// Package pipeline drives the parse-and-merge flow: trace regions of one
// container are decoded in parallel into per-region intermediate files,
// then concatenated in region order into the final per-kind outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xinydev/telemetry-solution/perfdata"
	"github.com/xinydev/telemetry-solution/records"
	"github.com/xinydev/telemetry-solution/spe"
	"github.com/xinydev/telemetry-solution/symbolizer"
)

// Output formats accepted by Config.Format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ErrNoTraceData is returned when the container holds no SPE trace
// regions at all.
var ErrNoTraceData = errors.New("no SPE trace data found")

// Record kind tags used in intermediate and output file names.
const (
	kindBranch    = "br"
	kindLoadStore = "ldst"
	kindOther     = "other"
)

// Config selects what to parse and how to write it out.
type Config struct {
	// FilePath is the input container, or the raw trace buffer when
	// RawBuffer is set.
	FilePath string
	// Prefix names the outputs: <Prefix>-<kind>.<format>.
	Prefix string
	Format Format

	// Per-kind toggles. A disabled kind is still decoded, just not
	// written out.
	Branch    bool
	LoadStore bool
	Other     bool

	// Symbols annotates each record's pc with a resolved symbol name.
	Symbols bool
	// RawBuffer treats FilePath as a bare SPE byte stream owned by CPU 0.
	RawBuffer bool
	// Compress gzips CSV outputs. Parquet outputs are always compressed.
	Compress bool

	Concurrency int
}

// RegionError reports the trace region whose decoding failed.
type RegionError struct {
	Index int
	Err   error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("trace region %d: %v", e.Index, e.Err)
}

func (e *RegionError) Unwrap() error { return e.Err }

// Parse decodes every trace region of the configured input into
// per-region intermediate files under a fresh temp directory. It returns
// the region count and the directory for Merge. The caller removes the
// directory on all paths; Parse removes it itself only when it fails.
func Parse(ctx context.Context, cfg Config) (int, string, error) {
	regs, maps, err := inputRegions(cfg)
	if err != nil {
		return 0, "", err
	}
	if len(regs) == 0 {
		return 0, "", fmt.Errorf("%w in %s", ErrNoTraceData, cfg.FilePath)
	}
	log.Debugf("pipeline: %d trace regions", len(regs))

	workers := max(cfg.Concurrency, 1)

	var resolver *symbolizer.Resolver
	if cfg.Symbols {
		if resolver, err = symbolizer.New(ctx, maps, workers); err != nil {
			return 0, "", err
		}
	}

	// A stale directory from a crashed run would corrupt the merge.
	tmpDir := fmt.Sprintf(".spe-parser-temp-output-%d", os.Getpid())
	if err = os.RemoveAll(tmpDir); err != nil {
		return 0, "", err
	}
	if err = os.MkdirAll(tmpDir, 0o755); err != nil {
		return 0, "", err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, reg := range regs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := processRegion(cfg, i, reg, resolver, tmpDir); err != nil {
				return &RegionError{Index: i, Err: err}
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		os.RemoveAll(tmpDir)
		return 0, "", err
	}
	return len(regs), tmpDir, nil
}

// inputRegions locates the trace regions and, when needed for symbol
// resolution, the executable mappings of the input.
func inputRegions(cfg Config) ([]perfdata.Region, []perfdata.ExecMapping, error) {
	if cfg.RawBuffer {
		st, err := os.Stat(cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return []perfdata.Region{{Offset: 0, Size: uint64(st.Size())}}, nil, nil
	}

	pf, err := perfdata.Open(cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	defer pf.Close()

	regs, err := pf.Regions()
	if err != nil {
		return nil, nil, err
	}
	var maps []perfdata.ExecMapping
	if cfg.Symbols {
		if maps, err = pf.ExecMappings(); err != nil {
			return nil, nil, err
		}
	}
	return regs, maps, nil
}

// processRegion decodes one region in isolation: own file handle, own
// decoder and assembler state, own intermediate files.
func processRegion(cfg Config, idx int, reg perfdata.Region,
	resolver *symbolizer.Resolver, dir string) error {
	buf, err := readRegion(cfg.FilePath, reg)
	if err != nil {
		return err
	}

	var (
		branches   []records.Branch
		loadstores []records.LoadStore
		others     []records.Other
		unknown    int
	)
	dec := spe.NewDecoder(buf)
	asm := records.NewAssembler(reg.CPU)
	for {
		pkt, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		rec, err := asm.Feed(pkt)
		if err != nil {
			return err
		}
		switch r := rec.(type) {
		case nil:
		case *records.Branch:
			if cfg.Branch {
				branches = append(branches, *r)
			}
		case *records.LoadStore:
			if cfg.LoadStore {
				loadstores = append(loadstores, *r)
			}
		case *records.Other:
			if cfg.Other {
				others = append(others, *r)
			}
		case *records.Unknown:
			unknown++
		}
	}
	if unknown > 0 {
		log.Debugf("pipeline: region %d: dropped %d records without an operation",
			idx, unknown)
	}

	if resolver != nil {
		resolveSymbols(resolver, branches)
		resolveSymbols(resolver, loadstores)
		resolveSymbols(resolver, others)
	}

	if err := writeBatch(intermediatePath(dir, idx, kindBranch), branches); err != nil {
		return err
	}
	if err := writeBatch(intermediatePath(dir, idx, kindLoadStore), loadstores); err != nil {
		return err
	}
	return writeBatch(intermediatePath(dir, idx, kindOther), others)
}

func readRegion(path string, reg perfdata.Region) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, reg.Size)
	if _, err := f.ReadAt(buf, int64(reg.Offset)); err != nil {
		return nil, fmt.Errorf("reading region at %d: %w", reg.Offset, err)
	}
	return buf, nil
}

// resolveSymbols annotates a batch of records with symbol names in one
// resolver round trip.
func resolveSymbols[T any, P interface {
	*T
	records.Symbolizable
}](r *symbolizer.Resolver, recs []T) {
	addrs := make([]uint64, 0, len(recs))
	pos := make([]int, 0, len(recs))
	for i := range recs {
		if addr, ok := P(&recs[i]).PCAddress(); ok {
			addrs = append(addrs, addr)
			pos = append(pos, i)
		}
	}
	for j, name := range r.ResolveBatch(addrs) {
		P(&recs[pos[j]]).SetSymbol(name)
	}
}

func intermediatePath(dir string, idx int, kind string) string {
	return filepath.Join(dir, fmt.Sprintf("%d-%s.parquet", idx, kind))
}

// writeBatch writes one region's records of one kind. Empty batches
// produce no file; Merge treats a missing file as an empty region.
func writeBatch[T any](path string, recs []T) error {
	if len(recs) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f, parquet.Compression(&parquet.Gzip))
	if _, err := w.Write(recs); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
