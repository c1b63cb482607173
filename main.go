// SPDX-License-Identifier: Apache-2.0

// spe-parser decodes the Arm SPE trace embedded in a perf.data file into
// per-sample branch, load/store and other records, written as parquet or
// CSV files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xinydev/telemetry-solution/pipeline"
	"github.com/xinydev/telemetry-solution/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		log.Errorf("Failure to parse arguments: %v", err)
		return exitParseError
	}

	if args.version {
		fmt.Printf("spe-parser %s (revision %s, build timestamp %s)\n",
			vc.Version(), vc.Revision(), vc.BuildTimestamp())
		return exitSuccess
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if args.debug {
		log.SetLevel(log.DebugLevel)
	}

	if args.file == "" {
		log.Error("Input file is not specified")
		return exitParseError
	}
	cfg, err := args.pipelineConfig()
	if err != nil {
		log.Error(err)
		return exitParseError
	}

	// Context to drive the region workers; a signal aborts the parse and
	// lets the deferred cleanup run.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM)
	defer mainCancel()

	start := time.Now()
	cnt, tmpDir, err := pipeline.Parse(mainCtx, cfg)
	if err != nil {
		log.Errorf("Parsing %s failed: %v", cfg.FilePath, err)
		return exitFailure
	}
	defer os.RemoveAll(tmpDir)

	if err := pipeline.Merge(cfg, cnt, tmpDir); err != nil {
		log.Errorf("Merging outputs failed: %v", err)
		return exitFailure
	}
	log.Infof("Decoded %d trace regions in %v",
		cnt, time.Since(start).Round(time.Millisecond))
	return exitSuccess
}
