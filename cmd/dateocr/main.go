package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/packlabel/dateocr/internal/backend"
	"github.com/packlabel/dateocr/internal/config"
	"github.com/packlabel/dateocr/internal/engine"
	"github.com/packlabel/dateocr/internal/logging"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// report is the JSON document printed per input file.
type report struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
	*engine.Outcome
}

func main() {
	showVersion := flag.Bool("version", false, "print version information")
	workers := flag.Int("workers", 0, "concurrent workers for multiple inputs (0 = configured default)")
	timeout := flag.Duration("timeout", 0, "per-attempt recognition timeout (0 = sized from the image)")
	wholeImage := flag.Bool("whole-image", false, "skip region detection and always process the whole image")
	clearCache := flag.Bool("clear-cache", false, "remove all cached results and exit")
	showStats := flag.Bool("stats", false, "print cache and backend counters to stderr when done")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("dateocr %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return
	}

	log := logging.New("main")
	cfg := config.Load()

	eng, err := engine.New(cfg, backend.TesseractFactory(cfg.Language))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize engine")
	}
	defer eng.Close()

	if *clearCache {
		if err := eng.ClearCache(); err != nil {
			log.Fatal().Err(err).Msg("failed to clear cache")
		}
		log.Info().Msg("cache cleared")
		return
	}

	paths := flag.Args()
	if len(paths) == 0 {
		usage()
		os.Exit(2)
	}

	opts := &engine.Options{Timeout: *timeout, ForceWholeImage: *wholeImage}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := 0
	for _, fr := range eng.RecognizeBatch(paths, *workers, opts) {
		r := report{Path: fr.Path, Outcome: fr.Outcome}
		if fr.Err != nil {
			r.Error = fr.Err.Error()
			failed++
		}
		if err := enc.Encode(r); err != nil {
			log.Fatal().Err(err).Msg("failed to write output")
		}
	}

	if *showStats {
		cs := eng.CacheStats()
		is := eng.InvokerStats()
		fmt.Fprintf(os.Stderr, "cache: %d hits, %d misses, %d writes, %d entries\n", cs.Hits, cs.Misses, cs.Writes, cs.Entries)
		fmt.Fprintf(os.Stderr, "backend: %d calls, %d timeouts, %d failures\n", is.Calls, is.Timeouts, is.Failures)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "dateocr - recognize production and expiry dates on product photographs")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage: dateocr [options] IMAGE [IMAGE...]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment variables:")
	fmt.Fprintln(os.Stderr, "  DATEOCR_LOG_LEVEL=debug      Enable debug logging")
	fmt.Fprintln(os.Stderr, "  DATEOCR_CACHE_DIR=PATH       Result cache location")
	fmt.Fprintln(os.Stderr, "  DATEOCR_LANGUAGE=eng         Recognition language")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Results are printed to stdout as JSON, one document per image.")
}
