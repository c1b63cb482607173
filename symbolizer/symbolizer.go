// SPDX-License-Identifier: Apache-2.0

// Package symbolizer resolves sampled instruction addresses to function
// names. It builds one address-range index per parsed container from the
// symbol tables of the mapped executables plus the kernel symbol table,
// and answers batch lookups against it.
package symbolizer

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/xinydev/telemetry-solution/perfdata"
	"github.com/xinydev/telemetry-solution/stringutil"
)

// kernelObject is the object tag used for kernel symbol names.
const kernelObject = "kernel.kallsyms"

const lookupCacheSize = 65536

// kallsymsPath is where the kernel symbol table is read from.
// Overridable for the test suite.
var kallsymsPath = "/proc/kallsyms"

// entry is one address range [start, end] owned by a single function.
type entry struct {
	start uint64
	end   uint64
	name  string
}

// Resolver answers address-to-name lookups via binary search over the
// sorted range starts. Safe for concurrent use once built.
type Resolver struct {
	starts  []uint64
	symbols map[uint64]entry
	cache   *freelru.SyncedLRU[uint64, string]
}

func hashAddr(addr uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	return uint32(xxh3.Hash(buf[:]))
}

// New builds a Resolver for one container: the symbol tables of all
// mapped executables are parsed in parallel, merged in mapping order,
// and the kernel symbol table is layered on top.
func New(ctx context.Context, mappings []perfdata.ExecMapping,
	concurrency int) (*Resolver, error) {
	maps := filterMappings(mappings)
	log.Debugf("symbolizer: parsing %d mapped binaries", len(maps))

	parts := make([]map[uint64]entry, len(maps))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, m := range maps {
		g.Go(func() error {
			syms, err := elfSymbols(m.Path, m.Start)
			if err != nil {
				log.Warnf("symbolizer: %s: %v", m.Path, err)
				return nil
			}
			parts[i] = syms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge serially in mapping order so duplicate starts resolve the
	// same way on every run.
	symbols := make(map[uint64]entry)
	for _, part := range parts {
		for start, e := range part {
			symbols[start] = e
		}
	}
	for start, e := range kernelSymbols() {
		symbols[start] = e
	}
	log.Debugf("symbolizer: %d symbols indexed", len(symbols))

	return newResolver(symbols)
}

func newResolver(symbols map[uint64]entry) (*Resolver, error) {
	starts := make([]uint64, 0, len(symbols))
	for start := range symbols {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	cache, err := freelru.NewSynced[uint64, string](lookupCacheSize, hashAddr)
	if err != nil {
		return nil, err
	}
	return &Resolver{starts: starts, symbols: symbols, cache: cache}, nil
}

// ResolveBatch maps each address to the name of the function whose range
// contains it, or the empty string when no range does.
func (r *Resolver) ResolveBatch(addrs []uint64) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = r.resolve(addr)
	}
	return out
}

func (r *Resolver) resolve(addr uint64) string {
	if name, ok := r.cache.Get(addr); ok {
		return name
	}
	var name string
	// Rightmost range start not greater than addr.
	i := sort.Search(len(r.starts), func(i int) bool { return r.starts[i] > addr })
	if i > 0 {
		e := r.symbols[r.starts[i-1]]
		if addr >= e.start && addr <= e.end {
			name = e.name
		}
	}
	r.cache.Add(addr, name)
	return name
}

// filterMappings drops mappings the ELF parser cannot use: anonymous or
// special regions, kernel modules and binaries no longer on disk.
func filterMappings(mappings []perfdata.ExecMapping) []perfdata.ExecMapping {
	out := make([]perfdata.ExecMapping, 0, len(mappings))
	for _, m := range mappings {
		if !strings.HasPrefix(m.Path, "/") || strings.HasSuffix(m.Path, ".ko") {
			continue
		}
		if _, err := os.Stat(m.Path); err != nil {
			log.Debugf("symbolizer: %s not found, skipping", m.Path)
			continue
		}
		out = append(out, m)
	}
	return out
}

// elfSymbols reads the function symbols of one binary, rebased to its
// mapped load address. Stripped binaries fall back to the dynamic
// symbol table.
func elfSymbols(path string, base uint64) (map[uint64]entry, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, err
	}

	object := filepath.Base(path)
	out := make(map[uint64]entry, len(syms))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		start := base + sym.Value
		out[start] = entry{
			start: start,
			end:   start + sym.Size,
			name:  fmt.Sprintf("[%s] %s", object, sym.Name),
		}
	}
	return out, nil
}

// kernelSymbols parses the kernel symbol table. Kernel functions are
// contiguous, so each range ends one byte before the next symbol starts.
// Failures are not fatal: symbolization proceeds with user-space symbols
// only.
func kernelSymbols() map[uint64]entry {
	f, err := os.Open(kallsymsPath)
	if err != nil {
		log.Warnf("symbolizer: reading %s failed, skipping kernel symbols: %v",
			kallsymsPath, err)
		return nil
	}
	defer f.Close()

	type rawSym struct {
		name string
		typ  byte
	}
	raw := make(map[uint64]rawSym)
	var lastAddr uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var fields [3]string
		if stringutil.FieldsN(scanner.Text(), fields[:]) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		lastAddr = addr
		raw[addr] = rawSym{name: fields[2], typ: fields[1][0]}
	}
	// Without the right capabilities the kernel zeroes every address.
	if len(raw) > 0 && lastAddr == 0 {
		log.Warnf("symbolizer: %s addresses are zeroed, skipping kernel "+
			"symbols; re-run as root or check kernel.kptr_restrict",
			kallsymsPath)
		return nil
	}

	starts := make([]uint64, 0, len(raw))
	for addr := range raw {
		starts = append(starts, addr)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make(map[uint64]entry)
	for i := 0; i+1 < len(starts); i++ {
		sym := raw[starts[i]]
		switch sym.typ {
		case 't', 'T', 'w', 'W':
		default:
			continue
		}
		out[starts[i]] = entry{
			start: starts[i],
			end:   starts[i+1] - 1,
			name:  fmt.Sprintf("[%s] %s", kernelObject, sym.name),
		}
	}
	log.Debugf("symbolizer: %d kernel symbols", len(out))
	return out
}
