// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/peterbourgon/ff/v3"

	"github.com/xinydev/telemetry-solution/pipeline"
)

const (
	defaultPrefix = "spe"
	defaultFormat = "parquet"
)

// Help strings for command line arguments
var (
	prefixHelp = "File prefix for the output files. Default is \"" +
		defaultPrefix + "\"."
	formatHelp      = "Output file format: parquet or csv. Default is parquet."
	debugHelp       = "Enable debug output."
	noBranchHelp    = "Disable branch instruction parsing."
	noLoadStoreHelp = "Disable load/store instruction parsing."
	noOtherHelp     = "Disable other instruction parsing."
	concurrencyHelp = fmt.Sprintf(
		"Number of trace regions decoded in parallel. Default is %d.",
		runtime.NumCPU())
	symbolsHelp  = "Add symbol information to the output."
	rawBufferHelp = "Parse the input file in raw SPE fill buffer format " +
		"instead of as a perf.data container."
	compressHelp = "Gzip-compress CSV output files."
	versionHelp  = "Show version."
)

type arguments struct {
	prefix      string
	format      string
	debug       bool
	noBranch    bool
	noLoadStore bool
	noOther     bool
	concurrency int
	symbols     bool
	rawBuffer   bool
	compress    bool
	version     bool

	// positional: the input file
	file string
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("spe-parser", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.IntVar(&args.concurrency, "c", runtime.NumCPU(), "Shorthand for -concurrency.")
	fs.IntVar(&args.concurrency, "concurrency", runtime.NumCPU(), concurrencyHelp)

	fs.BoolVar(&args.debug, "d", false, "Shorthand for -debug.")
	fs.BoolVar(&args.debug, "debug", false, debugHelp)

	fs.BoolVar(&args.noBranch, "nobr", false, noBranchHelp)
	fs.BoolVar(&args.noLoadStore, "noldst", false, noLoadStoreHelp)
	fs.BoolVar(&args.noOther, "noother", false, noOtherHelp)

	fs.StringVar(&args.prefix, "p", defaultPrefix, "Shorthand for -prefix.")
	fs.StringVar(&args.prefix, "prefix", defaultPrefix, prefixHelp)

	fs.BoolVar(&args.rawBuffer, "r", false, "Shorthand for -raw-buffer.")
	fs.BoolVar(&args.rawBuffer, "raw-buffer", false, rawBufferHelp)

	fs.BoolVar(&args.symbols, "s", false, "Shorthand for -symbols.")
	fs.BoolVar(&args.symbols, "symbols", false, symbolsHelp)

	fs.StringVar(&args.format, "t", defaultFormat, "Shorthand for -type.")
	fs.StringVar(&args.format, "type", defaultFormat, formatHelp)

	fs.BoolVar(&args.version, "v", false, "Shorthand for -version.")
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.BoolVar(&args.compress, "z", false, "Shorthand for -compress.")
	fs.BoolVar(&args.compress, "compress", false, compressHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: spe-parser [flags] <perf.data>\n\n")
		fs.PrintDefaults()
	}

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SPE_PARSER"),
	); err != nil {
		return nil, err
	}
	args.file = fs.Arg(0)
	return &args, nil
}

func (args *arguments) pipelineConfig() (pipeline.Config, error) {
	format := pipeline.Format(args.format)
	switch format {
	case pipeline.FormatCSV, pipeline.FormatParquet:
	default:
		return pipeline.Config{}, fmt.Errorf("unknown output type %q", args.format)
	}
	if args.concurrency < 1 {
		return pipeline.Config{}, fmt.Errorf("concurrency must be positive, got %d",
			args.concurrency)
	}
	return pipeline.Config{
		FilePath:    args.file,
		Prefix:      args.prefix,
		Format:      format,
		Branch:      !args.noBranch,
		LoadStore:   !args.noLoadStore,
		Other:       !args.noOther,
		Symbols:     args.symbols,
		RawBuffer:   args.rawBuffer,
		Compress:    args.compress,
		Concurrency: args.concurrency,
	}, nil
}
