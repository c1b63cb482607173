// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"

	"github.com/xinydev/telemetry-solution/records"
)

// Merge concatenates the per-region intermediate files under dir into
// the final per-kind outputs, in ascending region-index order. A kind
// with no records at all produces no output file.
func Merge(cfg Config, regionCount int, dir string) error {
	if cfg.Branch {
		err := mergeKind(cfg, regionCount, dir, kindBranch,
			records.BranchColumns, records.Branch.CSVRow)
		if err != nil {
			return err
		}
	}
	if cfg.LoadStore {
		err := mergeKind(cfg, regionCount, dir, kindLoadStore,
			records.LoadStoreColumns, records.LoadStore.CSVRow)
		if err != nil {
			return err
		}
	}
	if cfg.Other {
		err := mergeKind(cfg, regionCount, dir, kindOther,
			records.OtherColumns, records.Other.CSVRow)
		if err != nil {
			return err
		}
	}
	return nil
}

func mergeKind[T any](cfg Config, regionCount int, dir, kind string,
	columns []string, row func(T) []string) error {
	var paths []string
	for i := 0; i < regionCount; i++ {
		p := intermediatePath(dir, i, kind)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		log.Warnf("pipeline: no %s records, skipping %s output", kind, kind)
		return nil
	}

	switch cfg.Format {
	case FormatParquet:
		return mergeParquet[T](outputPath(cfg, kind), paths)
	case FormatCSV:
		return mergeCSV(outputPath(cfg, kind), paths, columns, row, cfg.Compress)
	default:
		return fmt.Errorf("unknown output format %q", cfg.Format)
	}
}

func outputPath(cfg Config, kind string) string {
	name := fmt.Sprintf("%s-%s.%s", filepath.Base(cfg.Prefix), kind, cfg.Format)
	if cfg.Format == FormatCSV && cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(filepath.Dir(cfg.Prefix), name)
}

func mergeParquet[T any](out string, paths []string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f, parquet.Compression(&parquet.Gzip))
	for _, p := range paths {
		recs, err := parquet.ReadFile[T](p)
		if err != nil {
			f.Close()
			return fmt.Errorf("reading %s: %w", p, err)
		}
		if len(recs) == 0 {
			continue
		}
		if _, err := w.Write(recs); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	log.Debugf("pipeline: wrote %s", out)
	return f.Close()
}

func mergeCSV[T any](out string, paths []string, columns []string,
	row func(T) []string, compress bool) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	var dst io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		dst = gz
	}

	cw := csv.NewWriter(dst)
	if err := cw.Write(columns); err != nil {
		f.Close()
		return err
	}
	for _, p := range paths {
		recs, err := parquet.ReadFile[T](p)
		if err != nil {
			f.Close()
			return fmt.Errorf("reading %s: %w", p, err)
		}
		for _, rec := range recs {
			if err := cw.Write(row(rec)); err != nil {
				f.Close()
				return err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	}
	log.Debugf("pipeline: wrote %s", out)
	return f.Close()
}
