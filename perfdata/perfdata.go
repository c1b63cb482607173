// SPDX-License-Identifier: Apache-2.0

// Package perfdata reads the perf.data container format produced by
// `perf record`, far enough to locate the embedded SPE trace regions and
// the executable mappings needed for symbol resolution. Everything else
// in the container is skipped opaquely.
//
// The format is documented in the Linux source tree under
// tools/perf/Documentation/perf.data-file-format.txt.
package perfdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrMalformedContainer is returned when the container header, feature
// table or event stream is inconsistent with the file bounds.
var ErrMalformedContainer = errors.New("malformed perf.data container")

var perfMagic = [8]byte{'P', 'E', 'R', 'F', 'I', 'L', 'E', '2'}

// fileSection is a perf_file_section: an absolute file range.
type fileSection struct {
	Offset uint64
	Size   uint64
}

// fileHeader is the fixed perf_file_header at offset zero.
type fileHeader struct {
	Magic      [8]byte
	Size       uint64
	AttrSize   uint64
	Attrs      fileSection
	Data       fileSection
	EventTypes fileSection
	Features   [4]uint64
}

func (h *fileHeader) hasFeature(f feature) bool {
	return h.Features[f/64]&(1<<(uint(f)%64)) != 0
}

// HEADER_* feature bits. Only the informational ones are decoded; the
// remaining bits still consume a feature-table slot each.
type feature int

const (
	featureTracingData feature = 1
	featureBuildID     feature = 2
	featureHostname    feature = 3
	featureOSRelease   feature = 4
	featureVersion     feature = 5
	featureArch        feature = 6
	featureNrCpus      feature = 7
	featureCPUDesc     feature = 8
	featureCPUID       feature = 9
	featureTotalMem    feature = 10
	featureCmdline     feature = 11

	numFeatureBits = 256
)

// Info holds the decoded informational features of a container.
type Info struct {
	Hostname  string
	OSRelease string
	Version   string
	Arch      string
	Cmdline   []string
}

// File is an open perf.data container.
type File struct {
	f      *os.File
	size   int64
	header fileHeader

	// feature-table sections indexed by feature bit
	features map[feature]fileSection

	Info Info
}

// Open parses the container's fixed header and feature table.
// The returned File holds an open handle until Close.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pf := &File{f: f}
	if err := pf.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pf.logInfo()
	return pf, nil
}

func (pf *File) Close() error {
	return pf.f.Close()
}

func (pf *File) parseHeader() error {
	st, err := pf.f.Stat()
	if err != nil {
		return err
	}
	pf.size = st.Size()

	if err := binary.Read(io.NewSectionReader(pf.f, 0, pf.size),
		binary.LittleEndian, &pf.header); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	if pf.header.Magic != perfMagic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformedContainer,
			pf.header.Magic[:])
	}
	data := pf.header.Data
	if data.Offset+data.Size > uint64(pf.size) {
		return fmt.Errorf("%w: data section %d+%d beyond file size %d",
			ErrMalformedContainer, data.Offset, data.Size, pf.size)
	}

	// The feature table sits right after the data section: one
	// perf_file_section per set feature bit, in bit order.
	pf.features = make(map[feature]fileSection)
	cur := int64(data.Offset + data.Size)
	for bit := feature(0); bit < numFeatureBits; bit++ {
		if !pf.header.hasFeature(bit) {
			continue
		}
		var sec fileSection
		if cur+16 > pf.size {
			return fmt.Errorf("%w: feature table truncated at bit %d",
				ErrMalformedContainer, bit)
		}
		if err := binary.Read(io.NewSectionReader(pf.f, cur, 16),
			binary.LittleEndian, &sec); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedContainer, err)
		}
		if sec.Offset+sec.Size > uint64(pf.size) {
			return fmt.Errorf("%w: feature %d section %d+%d beyond file size %d",
				ErrMalformedContainer, bit, sec.Offset, sec.Size, pf.size)
		}
		pf.features[bit] = sec
		cur += 16
	}

	pf.Info = Info{
		Hostname:  pf.featureString(featureHostname),
		OSRelease: pf.featureString(featureOSRelease),
		Version:   pf.featureString(featureVersion),
		Arch:      pf.featureString(featureArch),
		Cmdline:   pf.featureStringList(featureCmdline),
	}
	return nil
}

// featureString reads a perf_header_string feature: u32 length followed
// by a NUL-terminated string.
func (pf *File) featureString(bit feature) string {
	sec, ok := pf.features[bit]
	if !ok || sec.Size < 4 {
		return ""
	}
	buf := make([]byte, sec.Size)
	if _, err := pf.f.ReadAt(buf, int64(sec.Offset)); err != nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(buf)
	if uint64(n)+4 > sec.Size {
		return ""
	}
	return cString(buf[4 : 4+n])
}

// featureStringList reads a perf_header_string_list feature: u32 count,
// then count length-prefixed NUL-terminated strings.
func (pf *File) featureStringList(bit feature) []string {
	sec, ok := pf.features[bit]
	if !ok || sec.Size < 4 {
		return nil
	}
	buf := make([]byte, sec.Size)
	if _, err := pf.f.ReadAt(buf, int64(sec.Offset)); err != nil {
		return nil
	}
	nr := binary.LittleEndian.Uint32(buf)
	out := make([]string, 0, nr)
	pos := uint64(4)
	for i := uint32(0); i < nr; i++ {
		if pos+4 > sec.Size {
			break
		}
		n := uint64(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if pos+n > sec.Size {
			break
		}
		out = append(out, cString(buf[pos:pos+n]))
		pos += n
	}
	return out
}

func (pf *File) logInfo() {
	log.Debugf("perfdata: data section size: %d", pf.header.Data.Size)
	log.Debugf("perfdata: hostname: %s", pf.Info.Hostname)
	log.Debugf("perfdata: os: %s", pf.Info.OSRelease)
	log.Debugf("perfdata: perf version: %s", pf.Info.Version)
	log.Debugf("perfdata: arch: %s", pf.Info.Arch)
	log.Debugf("perfdata: cmdline: %s", strings.Join(pf.Info.Cmdline, " "))
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
