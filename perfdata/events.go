// SPDX-License-Identifier: Apache-2.0

package perfdata

import (
	"encoding/binary"
	"fmt"
)

// Event types of interest in the data section; everything else is
// skipped by its declared size.
const (
	recordTypeMmap     = 1
	recordTypeMmap2    = 10
	recordTypeAuxtrace = 71
)

// PERF_RECORD_MISC_MMAP_BUILD_ID: the mmap2 event carries a build ID
// instead of the device/inode fields.
const miscMmapBuildID = 1 << 14

const eventHeaderSize = 8

// Region is one contiguous span of raw SPE trace bytes inside the
// container, owned by one CPU.
type Region struct {
	Offset uint64
	Size   uint64
	CPU    uint32
}

// ExecMapping is one binary-mapped event: an executable or library
// loaded at a base address.
type ExecMapping struct {
	Path  string
	Start uint64
}

// auxtraceEvent is the fixed body of a PERF_RECORD_AUXTRACE event. The
// raw trace bytes follow immediately after the event record.
type auxtraceEvent struct {
	AuxSize   uint64
	Offset    uint64
	Reference uint64
	Idx       uint32
	TID       uint32
	CPU       uint32
	_         uint32
}

// walkEvents iterates the event stream of the data section. The callback
// receives the event type, misc flags, the absolute file offset of the
// event start, its declared size and the event body.
func (pf *File) walkEvents(fn func(typ uint32, misc uint16, start, size uint64,
	body []byte) (skip uint64, err error)) error {
	cur := pf.header.Data.Offset
	end := pf.header.Data.Offset + pf.header.Data.Size
	var hdr [eventHeaderSize]byte
	for cur+eventHeaderSize <= end {
		if _, err := pf.f.ReadAt(hdr[:], int64(cur)); err != nil {
			return fmt.Errorf("%w: event header at %d: %v",
				ErrMalformedContainer, cur, err)
		}
		typ := binary.LittleEndian.Uint32(hdr[0:])
		misc := binary.LittleEndian.Uint16(hdr[4:])
		size := uint64(binary.LittleEndian.Uint16(hdr[6:]))
		if size < eventHeaderSize {
			return fmt.Errorf("%w: event at %d with size %d does not advance",
				ErrMalformedContainer, cur, size)
		}
		if cur+size > end {
			return fmt.Errorf("%w: event at %d overruns data section",
				ErrMalformedContainer, cur)
		}
		body := make([]byte, size-eventHeaderSize)
		if _, err := pf.f.ReadAt(body, int64(cur+eventHeaderSize)); err != nil {
			return fmt.Errorf("%w: event body at %d: %v",
				ErrMalformedContainer, cur, err)
		}
		skip, err := fn(typ, misc, cur, size, body)
		if err != nil {
			return err
		}
		// Compare by subtraction: a huge declared trailer would wrap the
		// sum and slip past the bounds check.
		if skip > end-(cur+size) {
			return fmt.Errorf("%w: event at %d trailer overruns data section",
				ErrMalformedContainer, cur)
		}
		cur += size + skip
	}
	return nil
}

// Regions returns every SPE trace region of the container, in file
// order. The trace bytes of an AUXTRACE event follow the event record
// itself; the region offset points directly at them.
func (pf *File) Regions() ([]Region, error) {
	var regions []Region
	err := pf.walkEvents(func(typ uint32, _ uint16, start, size uint64,
		body []byte) (uint64, error) {
		if typ != recordTypeAuxtrace {
			return 0, nil
		}
		var evt auxtraceEvent
		if len(body) < binary.Size(&evt) {
			return 0, fmt.Errorf("%w: short auxtrace event at %d",
				ErrMalformedContainer, start)
		}
		_, _ = binary.Decode(body, binary.LittleEndian, &evt)
		regions = append(regions, Region{
			Offset: start + size,
			Size:   evt.AuxSize,
			CPU:    evt.CPU,
		})
		// Skip over the raw trace bytes trailing the event.
		return evt.AuxSize, nil
	})
	if err != nil {
		return nil, err
	}
	return regions, nil
}

// ExecMappings returns the binary-mapped events of the container: the
// same event-stream traversal as Regions, filtered by the mmap event
// types instead.
func (pf *File) ExecMappings() ([]ExecMapping, error) {
	var maps []ExecMapping
	err := pf.walkEvents(func(typ uint32, misc uint16, start, size uint64,
		body []byte) (uint64, error) {
		if typ != recordTypeMmap && typ != recordTypeMmap2 {
			if typ == recordTypeAuxtrace && len(body) >= 8 {
				return binary.LittleEndian.Uint64(body), nil
			}
			return 0, nil
		}
		// pid u32, tid u32, addr u64, len u64, pgoff u64
		if len(body) < 32 {
			return 0, fmt.Errorf("%w: short mmap event at %d",
				ErrMalformedContainer, start)
		}
		addr := binary.LittleEndian.Uint64(body[8:])
		name := body[32:]
		if typ == recordTypeMmap2 {
			// The maj/min/ino/ino_generation block (or, with the
			// build-ID misc bit, a same-sized build ID block) plus prot
			// and flags precede the filename.
			if len(body) < 64 {
				return 0, fmt.Errorf("%w: short mmap2 event at %d",
					ErrMalformedContainer, start)
			}
			name = body[64:]
		}
		maps = append(maps, ExecMapping{Path: cString(name), Start: addr})
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return maps, nil
}
