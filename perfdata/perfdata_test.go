// SPDX-License-Identifier: Apache-2.0

package perfdata

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeaderSize = 104

func event(typ uint32, misc uint16, body []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, typ)
	b = binary.LittleEndian.AppendUint16(b, misc)
	b = binary.LittleEndian.AppendUint16(b, uint16(eventHeaderSize+len(body)))
	return append(b, body...)
}

// auxtrace builds a PERF_RECORD_AUXTRACE event with the raw trace bytes
// appended after the event record, as perf writes them.
func auxtrace(trace []byte, cpu uint32) []byte {
	body := binary.LittleEndian.AppendUint64(nil, uint64(len(trace)))
	body = binary.LittleEndian.AppendUint64(body, 0) // offset
	body = binary.LittleEndian.AppendUint64(body, 0) // reference
	body = binary.LittleEndian.AppendUint32(body, 0) // idx
	body = binary.LittleEndian.AppendUint32(body, 0) // tid
	body = binary.LittleEndian.AppendUint32(body, cpu)
	body = binary.LittleEndian.AppendUint32(body, 0) // reserved
	return append(event(recordTypeAuxtrace, 0, body), trace...)
}

func mmapEvent(addr uint64, path string) []byte {
	body := make([]byte, 32)
	binary.LittleEndian.PutUint64(body[8:], addr)
	body = append(body, path...)
	return event(recordTypeMmap, 0, append(body, 0))
}

func mmap2Event(addr uint64, path string) []byte {
	body := make([]byte, 64)
	binary.LittleEndian.PutUint64(body[8:], addr)
	body = append(body, path...)
	return event(recordTypeMmap2, 0, append(body, 0))
}

func headerString(s string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(s)+1))
	return append(append(b, s...), 0)
}

func headerStringList(ss ...string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(ss)))
	for _, s := range ss {
		b = append(b, headerString(s)...)
	}
	return b
}

// buildContainer lays out header, data section, feature table and
// feature payloads the way perf does.
func buildContainer(t *testing.T, events []byte, feats map[feature][]byte) []byte {
	t.Helper()

	bits := make([]feature, 0, len(feats))
	for bit := range feats {
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })

	hdr := fileHeader{
		Magic:    perfMagic,
		Size:     testHeaderSize,
		AttrSize: 128,
		Data: fileSection{
			Offset: testHeaderSize,
			Size:   uint64(len(events)),
		},
	}
	for _, bit := range bits {
		hdr.Features[bit/64] |= 1 << (uint(bit) % 64)
	}

	payloadOff := testHeaderSize + len(events) + 16*len(bits)
	var table, payloads []byte
	for _, bit := range bits {
		table = binary.LittleEndian.AppendUint64(table, uint64(payloadOff+len(payloads)))
		table = binary.LittleEndian.AppendUint64(table, uint64(len(feats[bit])))
		payloads = append(payloads, feats[bit]...)
	}

	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &hdr))
	require.Equal(t, testHeaderSize, buf.Len())
	buf.Write(events)
	buf.Write(table)
	buf.Write(payloads)
	return buf.Bytes()
}

func writeContainer(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perf.data")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestOpenInfoFeatures(t *testing.T) {
	raw := buildContainer(t, nil, map[feature][]byte{
		featureHostname: headerString("armbox"),
		featureArch:     headerString("aarch64"),
		featureVersion:  headerString("6.6.0"),
		featureCmdline: headerStringList(
			"perf", "record", "-e", "arm_spe_0//", "--", "./workload"),
	})

	pf, err := Open(writeContainer(t, raw))
	require.NoError(t, err)
	defer pf.Close()

	assert.Equal(t, "armbox", pf.Info.Hostname)
	assert.Equal(t, "aarch64", pf.Info.Arch)
	assert.Equal(t, "6.6.0", pf.Info.Version)
	assert.Empty(t, pf.Info.OSRelease)
	assert.Equal(t,
		[]string{"perf", "record", "-e", "arm_spe_0//", "--", "./workload"},
		pf.Info.Cmdline)
}

func TestRegions(t *testing.T) {
	traceA := bytes.Repeat([]byte{0x00}, 16)
	traceB := bytes.Repeat([]byte{0x00}, 32)

	var events []byte
	events = append(events, auxtrace(traceA, 0)...)
	events = append(events, event(9, 0, make([]byte, 24))...) // unrelated, skipped
	events = append(events, auxtrace(traceB, 1)...)

	pf, err := Open(writeContainer(t, buildContainer(t, events, nil)))
	require.NoError(t, err)
	defer pf.Close()

	regions, err := pf.Regions()
	require.NoError(t, err)
	require.Len(t, regions, 2)

	// 48-byte auxtrace events; trace bytes start right after each one.
	assert.Equal(t, Region{Offset: 152, Size: 16, CPU: 0}, regions[0])
	assert.Equal(t, Region{Offset: 248, Size: 32, CPU: 1}, regions[1])
}

func TestExecMappings(t *testing.T) {
	var events []byte
	events = append(events, mmapEvent(0x400000, "/usr/bin/workload")...)
	// Trace bytes in the middle must be stepped over, not parsed as events.
	events = append(events, auxtrace([]byte{0xb0, 0x01, 0x02, 0x03}, 0)...)
	events = append(events, mmap2Event(0xffff90000000, "/usr/lib/libc.so.6")...)

	pf, err := Open(writeContainer(t, buildContainer(t, events, nil)))
	require.NoError(t, err)
	defer pf.Close()

	maps, err := pf.ExecMappings()
	require.NoError(t, err)
	require.Equal(t, []ExecMapping{
		{Path: "/usr/bin/workload", Start: 0x400000},
		{Path: "/usr/lib/libc.so.6", Start: 0xffff90000000},
	}, maps)
}

func TestOpenBadMagic(t *testing.T) {
	raw := buildContainer(t, nil, nil)
	raw[0] = 'X'

	_, err := Open(writeContainer(t, raw))
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestEventDoesNotAdvance(t *testing.T) {
	hdr := binary.LittleEndian.AppendUint32(nil, recordTypeMmap)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0) // declared size zero

	pf, err := Open(writeContainer(t, buildContainer(t, hdr, nil)))
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Regions()
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestEventOverrunsDataSection(t *testing.T) {
	hdr := binary.LittleEndian.AppendUint32(nil, recordTypeMmap)
	hdr = binary.LittleEndian.AppendUint16(hdr, 0)
	hdr = binary.LittleEndian.AppendUint16(hdr, 4096)

	pf, err := Open(writeContainer(t, buildContainer(t, hdr, nil)))
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Regions()
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestAuxtraceTrailerOverflowsDataSection(t *testing.T) {
	// A declared trace size near 2^64 must not wrap the bounds check.
	body := binary.LittleEndian.AppendUint64(nil, 0xfffffffffffffff9)
	body = append(body, make([]byte, 32)...)
	events := event(recordTypeAuxtrace, 0, body)

	pf, err := Open(writeContainer(t, buildContainer(t, events, nil)))
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Regions()
	require.ErrorIs(t, err, ErrMalformedContainer)

	// The mapping walk steps over the same trailer.
	_, err = pf.ExecMappings()
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestShortAuxtraceEvent(t *testing.T) {
	events := event(recordTypeAuxtrace, 0, make([]byte, 8))

	pf, err := Open(writeContainer(t, buildContainer(t, events, nil)))
	require.NoError(t, err)
	defer pf.Close()

	_, err = pf.Regions()
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestTruncatedFeatureTable(t *testing.T) {
	raw := buildContainer(t, nil, map[feature][]byte{
		featureHostname: headerString("armbox"),
	})
	// Cut the file in the middle of the feature table entry.
	path := writeContainer(t, raw[:testHeaderSize+8])

	_, err := Open(path)
	require.ErrorIs(t, err, ErrMalformedContainer)
}
