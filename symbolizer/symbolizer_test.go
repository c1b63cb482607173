// SPDX-License-Identifier: Apache-2.0

package symbolizer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinydev/telemetry-solution/perfdata"
)

func TestResolveBatch(t *testing.T) {
	r, err := newResolver(map[uint64]entry{
		0xFFFFDF617F69D670: {
			start: 0xFFFFDF617F69D670,
			end:   0xFFFFDF617F69D902,
			name:  "[kernel.kallsyms] ipmi_set_gets_events",
		},
		0xFFFFDF617F69B0B0: {
			start: 0xFFFFDF617F69B0B0,
			end:   0xFFFFDF617F69B0EE,
			name:  "[kernel.kallsyms] ipmi_addr_length",
		},
	})
	require.NoError(t, err)

	addrs := []uint64{
		0xFFFFDF617F69D670, // range start
		0xFFFFDF617F69D673,
		0xFFFFDF617F69D902, // range end, still contained
		0xFFFFDF617F69B0B0,
		0xFFFFDF617F69B0C0,
		0xFFFFDF617F69B0EE,
		0xFFFFDF617F69C000, // gap between the two ranges
		0xFFFFFFFFFFFFFFFF, // beyond the last range
		0xFFFF000000000000, // before the first range
	}
	want := []string{
		"[kernel.kallsyms] ipmi_set_gets_events",
		"[kernel.kallsyms] ipmi_set_gets_events",
		"[kernel.kallsyms] ipmi_set_gets_events",
		"[kernel.kallsyms] ipmi_addr_length",
		"[kernel.kallsyms] ipmi_addr_length",
		"[kernel.kallsyms] ipmi_addr_length",
		"",
		"",
		"",
	}
	assert.Equal(t, want, r.ResolveBatch(addrs))
	// Second pass hits the cache.
	assert.Equal(t, want, r.ResolveBatch(addrs))
}

func withKallsyms(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kallsyms")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	prev := kallsymsPath
	kallsymsPath = path
	t.Cleanup(func() { kallsymsPath = prev })
}

func TestKernelSymbols(t *testing.T) {
	withKallsyms(t, strings.Join([]string{
		"ffff800080010000 T _stext",
		"ffff800080010100 t do_one\t[mod]",
		"ffff800080010200 D some_data",
		"ffff800080010300 W weak_fn",
		"ffff800080010300 w weak_fn_alias",
		"ffff800080011000 T _etext",
		"",
	}, "\n"))

	syms := kernelSymbols()
	require.Len(t, syms, 3)

	assert.Equal(t, entry{
		start: 0xffff800080010000,
		end:   0xffff8000800100ff,
		name:  "[kernel.kallsyms] _stext",
	}, syms[0xffff800080010000])
	assert.Equal(t, entry{
		start: 0xffff800080010100,
		end:   0xffff8000800101ff,
		name:  "[kernel.kallsyms] do_one\t[mod]",
	}, syms[0xffff800080010100])
	// Aliases at the same address collapse to the last one seen; the
	// data symbol in between still bounds the preceding range.
	assert.Equal(t, entry{
		start: 0xffff800080010300,
		end:   0xffff800080010fff,
		name:  "[kernel.kallsyms] weak_fn_alias",
	}, syms[0xffff800080010300])
}

func TestKernelSymbolsZeroedAddresses(t *testing.T) {
	withKallsyms(t, strings.Join([]string{
		"0000000000000000 T _stext",
		"0000000000000000 t do_one",
		"",
	}, "\n"))

	assert.Empty(t, kernelSymbols())
}

func TestKernelSymbolsMissingFile(t *testing.T) {
	prev := kallsymsPath
	kallsymsPath = filepath.Join(t.TempDir(), "does-not-exist")
	t.Cleanup(func() { kallsymsPath = prev })

	assert.Empty(t, kernelSymbols())
}

func TestFilterMappings(t *testing.T) {
	present := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))

	maps := filterMappings([]perfdata.ExecMapping{
		{Path: present, Start: 0x1000},
		{Path: "[vdso]", Start: 0x2000},
		{Path: "/lib/modules/foo.ko", Start: 0x3000},
		{Path: filepath.Join(t.TempDir(), "gone"), Start: 0x4000},
	})
	require.Equal(t, []perfdata.ExecMapping{{Path: present, Start: 0x1000}}, maps)
}

func TestElfSymbolsSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc/self/exe")
	}
	const base = 0x10000
	syms, err := elfSymbols("/proc/self/exe", base)
	require.NoError(t, err)
	require.NotEmpty(t, syms)

	for start, e := range syms {
		assert.Equal(t, start, e.start)
		assert.Greater(t, e.end, e.start)
		assert.GreaterOrEqual(t, e.start, uint64(base))
		assert.True(t, strings.HasPrefix(e.name, "[exe] "), e.name)
	}
}

func TestNewMergesMappingsInOrder(t *testing.T) {
	// No usable mappings and no kallsyms: the resolver is empty but valid.
	prev := kallsymsPath
	kallsymsPath = filepath.Join(t.TempDir(), "absent")
	t.Cleanup(func() { kallsymsPath = prev })

	r, err := New(context.Background(), []perfdata.ExecMapping{
		{Path: "[anon]", Start: 0},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, r.ResolveBatch([]uint64{0x1234}))
}
