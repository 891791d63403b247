// Package engine orchestrates text recognition for a single photograph:
// cache lookup, region-of-interest routing, the escalating strategy
// ladder, bounded backend invocation, and write-through caching of
// successful results.
package engine

import (
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packlabel/dateocr/internal/backend"
	"github.com/packlabel/dateocr/internal/cache"
	"github.com/packlabel/dateocr/internal/config"
	"github.com/packlabel/dateocr/internal/logging"
	"github.com/packlabel/dateocr/internal/roi"
	"github.com/packlabel/dateocr/internal/transform"
)

// confidenceFloor is the minimum confidence for accepting a span. It is
// deliberately low to favor recall; downstream consumers apply stricter
// thresholds.
const confidenceFloor = 0.2

// cropPadding is the margin added around detected regions before
// cropping.
const cropPadding = 20

// Provenance tags how an outcome was produced.
type Provenance string

const (
	ProvenanceCache       Provenance = "from_cache"
	ProvenanceROI         Provenance = "roi"
	ProvenanceTraditional Provenance = "traditional"
)

// Outcome is the result of one recognition call. It is immutable after
// construction.
type Outcome struct {
	Spans      []backend.TextSpan `json:"spans"`
	Strategy   transform.Strategy `json:"strategy,omitempty"`
	Elapsed    time.Duration      `json:"elapsed"`
	Provenance Provenance         `json:"provenance"`
}

// Found reports whether any text was recognized.
func (o *Outcome) Found() bool {
	return len(o.Spans) > 0
}

// Options tunes a single recognition call.
type Options struct {
	// Timeout overrides the pixel-count based per-call timeout.
	Timeout time.Duration

	// ForceWholeImage skips the region-of-interest path for this call.
	ForceWholeImage bool
}

// Engine runs the recognition pipeline. It owns the backend handle, the
// result cache, and the resource guard that rebuilds the backend under
// memory pressure. An Engine is safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	cache   *cache.Cache
	invoker *backend.Invoker
	factory backend.Factory
	guard   *resourceGuard
	log     zerolog.Logger

	mu      sync.RWMutex
	backend backend.Backend
}

// New constructs an Engine with a backend from factory.
//
// A cache that fails to open is logged and disabled; recognition then
// runs uncached rather than failing.
func New(cfg *config.Config, factory backend.Factory) (*Engine, error) {
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to construct backend: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		invoker: backend.NewInvoker(),
		factory: factory,
		backend: b,
		guard:   newResourceGuard(cfg.MemoryCeilingMB * 1024 * 1024),
		log:     logging.New("engine"),
	}

	c, err := cache.Open(cfg.CacheDir, cfg.CacheCapacity, time.Duration(cfg.CacheExpiryDays)*24*time.Hour)
	if err != nil {
		e.log.Warn().Err(err).Msg("result cache unavailable, continuing without caching")
	} else {
		e.cache = c
	}
	return e, nil
}

// Close releases the engine's cache.
func (e *Engine) Close() error {
	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// Recognize runs the full pipeline on the image file at path.
//
// A cached result is returned immediately. Otherwise the image goes
// through the region-of-interest path when eligible, then the strategy
// ladder on the whole image. An outcome with no spans and a nil error
// means every strategy was exhausted; only unusable input (missing,
// empty, oversized, undecodable) produces an error.
func (e *Engine) Recognize(path string, opts *Options) (*Outcome, error) {
	start := time.Now()
	if opts == nil {
		opts = &Options{}
	}

	if err := e.validate(path); err != nil {
		return nil, err
	}

	if e.cache != nil {
		if entry, ok := e.cache.Lookup(path); ok {
			e.log.Debug().Str("path", path).Str("strategy", entry.Strategy).Msg("cache hit")
			return &Outcome{
				Spans:      entry.Spans,
				Strategy:   transform.Strategy(entry.Strategy),
				Elapsed:    time.Since(start),
				Provenance: ProvenanceCache,
			}, nil
		}
	}

	img, err := loadImage(path)
	if err != nil {
		return nil, backend.NewValidationError(path, "failed to decode image", err)
	}

	outcome := e.recognizeDecoded(img, opts)
	outcome.Elapsed = time.Since(start)

	if outcome.Found() && e.cache != nil {
		e.cache.Store(path, outcome.Spans, outcome.Elapsed, string(outcome.Strategy))
	}
	return outcome, nil
}

// RecognizeImage runs the pipeline on an already-decoded image. The
// result is never cached: an in-memory image has no stable identity to
// key it by.
func (e *Engine) RecognizeImage(img image.Image, opts *Options) *Outcome {
	start := time.Now()
	if opts == nil {
		opts = &Options{}
	}
	outcome := e.recognizeDecoded(img, opts)
	outcome.Elapsed = time.Since(start)
	return outcome
}

// recognizeDecoded is the shared pipeline behind Recognize and
// RecognizeImage. All scratch files it writes are removed before it
// returns, on every path.
func (e *Engine) recognizeDecoded(img image.Image, opts *Options) *Outcome {
	e.guard.maybeInspect(e)

	b := img.Bounds()
	base := opts.Timeout
	if base <= 0 {
		base = timeoutForPixels(b.Dx() * b.Dy())
	}

	resized := transform.ResizeToBounds(img, e.cfg.MaxDimension)

	var scratch []string
	defer func() {
		for _, p := range scratch {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				e.log.Debug().Err(err).Str("path", p).Msg("failed to remove scratch file")
			}
		}
	}()
	writeScratch := func(im image.Image) (string, error) {
		path := filepath.Join(e.cfg.TempDir, fmt.Sprintf("dateocr-%s.png", uuid.NewString()))
		f, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("failed to create scratch file: %w", err)
		}
		scratch = append(scratch, path)
		if err := png.Encode(f, im); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to encode scratch image: %w", err)
		}
		return path, f.Close()
	}

	forceWhole := opts.ForceWholeImage || e.cfg.ForceWholeImage
	if roi.ShouldUseROI(resized, forceWhole) {
		if outcome := e.recognizeRegions(resized, base, writeScratch); outcome != nil {
			return outcome
		}
		e.log.Debug().Msg("region path yielded nothing, falling back to whole image")
	}

	assessment := transform.Assess(resized)
	includeSuper := assessment.Difficulty == transform.DifficultyVeryHard

	for _, strategy := range transform.Ladder(includeSuper) {
		enhanced := transform.Enhance(resized, strategy)
		path, err := writeScratch(enhanced)
		if err != nil {
			e.log.Warn().Err(err).Str("strategy", string(strategy)).Msg("scratch write failed, skipping strategy")
			continue
		}

		timeout := time.Duration(float64(base) * strategy.Multiplier())
		raw, err := e.invoke(path, timeout)
		if err != nil {
			e.log.Debug().Err(err).Str("strategy", string(strategy)).Msg("strategy attempt failed")
			continue
		}

		spans := raw.Normalize(confidenceFloor)
		if len(spans) > 0 {
			e.log.Info().Str("strategy", string(strategy)).Int("spans", len(spans)).Msg("recognition succeeded")
			return &Outcome{Spans: spans, Strategy: strategy, Provenance: ProvenanceTraditional}
		}
	}

	e.log.Info().Msg("all strategies exhausted, no text recognized")
	return &Outcome{Provenance: ProvenanceTraditional}
}

// recognizeRegions runs the standard transform over each detected
// region crop, accumulating accepted spans across regions. It returns
// nil when the region path should not be used (too many regions, over
// budget, or zero spans), signaling whole-image fallback.
func (e *Engine) recognizeRegions(img image.Image, base time.Duration, writeScratch func(image.Image) (string, error)) *Outcome {
	regions := roi.DetectRegions(img)
	if len(regions) == 0 {
		return nil
	}
	if roi.ExceedsBudget(len(regions)) {
		e.log.Debug().Int("regions", len(regions)).Msg("region count over budget, using whole image")
		return nil
	}

	crops := roi.CropRegions(img, regions, cropPadding)
	if len(crops) != len(regions) {
		return nil
	}
	var spans []backend.TextSpan
	for i, crop := range crops {
		enhanced := transform.Enhance(crop, transform.Standard)
		path, err := writeScratch(enhanced)
		if err != nil {
			e.log.Warn().Err(err).Msg("scratch write failed, skipping region")
			continue
		}

		raw, err := e.invoke(path, base)
		if err != nil {
			e.log.Debug().Err(err).Int("region", i).Msg("region attempt failed")
			continue
		}

		ox, oy := roi.PaddedOrigin(img, regions[i], cropPadding)
		for _, s := range raw.Normalize(confidenceFloor) {
			spans = append(spans, s.Translate(ox, oy))
		}
	}

	if len(spans) == 0 {
		return nil
	}
	e.log.Info().Int("regions", len(regions)).Int("spans", len(spans)).Msg("region recognition succeeded")
	return &Outcome{Spans: spans, Strategy: transform.Standard, Provenance: ProvenanceROI}
}

// invoke runs one bounded backend call against the current backend
// handle.
func (e *Engine) invoke(path string, timeout time.Duration) (*backend.RawResult, error) {
	e.mu.RLock()
	b := e.backend
	e.mu.RUnlock()
	return e.invoker.Invoke(b, path, timeout)
}

// rebuildBackend discards the current backend and constructs a fresh
// one, then sweeps the heap. Called by the resource guard when process
// memory crosses the ceiling; abandoned invoker workers still hold the
// old instance until they finish.
func (e *Engine) rebuildBackend() {
	nb, err := e.factory()
	if err != nil {
		e.log.Error().Err(err).Msg("backend reconstruction failed, keeping current instance")
		return
	}
	e.mu.Lock()
	e.backend = nb
	e.mu.Unlock()
	runtime.GC()
	e.log.Info().Msg("backend reconstructed after memory ceiling breach")
}

// validate rejects input files that cannot be processed at all.
func (e *Engine) validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return backend.NewValidationError(path, "input file not accessible", err)
	}
	if info.IsDir() {
		return backend.NewValidationError(path, "input is a directory", nil)
	}
	if info.Size() == 0 {
		return backend.NewValidationError(path, "input file is empty", nil)
	}
	if info.Size() > e.cfg.MaxFileSizeMB*1024*1024 {
		return backend.NewValidationError(path, fmt.Sprintf("input file exceeds %d MB limit", e.cfg.MaxFileSizeMB), nil)
	}
	return nil
}

// timeoutForPixels maps image size to a recognition timeout band.
func timeoutForPixels(pixels int) time.Duration {
	switch {
	case pixels > 2_000_000:
		return 35 * time.Second
	case pixels > 1_000_000:
		return 25 * time.Second
	case pixels > 500_000:
		return 20 * time.Second
	default:
		return 15 * time.Second
	}
}

// loadImage decodes the image file at path.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// ClearCache removes every cached result. A disabled cache is a no-op.
func (e *Engine) ClearCache() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Clear()
}

// CacheStats returns cache counters, or zero stats when the cache is
// disabled.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// InvokerStats returns backend call counters.
func (e *Engine) InvokerStats() backend.InvokerStats {
	return e.invoker.Stats()
}
