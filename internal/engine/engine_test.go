package engine

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/packlabel/dateocr/internal/backend"
	"github.com/packlabel/dateocr/internal/config"
	"github.com/packlabel/dateocr/internal/transform"
)

// scriptedBackend runs a per-call script, keyed by the 1-based call
// number.
type scriptedBackend struct {
	mu    sync.Mutex
	calls int
	run   func(call int, path string) (*backend.RawResult, error)
}

func (s *scriptedBackend) Run(path string) (*backend.RawResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.run(call, path)
}

func (s *scriptedBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func spanResult(text string, conf float64) *backend.RawResult {
	return &backend.RawResult{Lines: []backend.RawLine{{
		Text:       text,
		Confidence: conf,
		Polygon:    backend.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
	}}}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		CacheDir:        t.TempDir(),
		CacheCapacity:   100,
		CacheExpiryDays: 30,
		MaxDimension:    1280,
		MaxFileSizeMB:   50,
		Language:        "eng",
		Workers:         4,
		MemoryCeilingMB: 1 << 20,
		TempDir:         t.TempDir(),
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, stub *scriptedBackend) *Engine {
	t.Helper()
	e, err := New(cfg, func() (backend.Backend, error) { return stub, nil })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func whiteImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	return img
}

func drawBlock(img *image.RGBA, x0, y0, width, height int) {
	for y := y0; y < y0+height; y++ {
		for x := x0; x < x0+width; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 20, B: 20, A: 255})
		}
	}
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
	return path
}

func TestRecognizeFirstStrategySucceeds(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("12/05/2026", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	imgPath := writePNG(t, t.TempDir(), "label.png", whiteImage(300, 200))
	outcome, err := e.Recognize(imgPath, nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if outcome.Provenance != ProvenanceTraditional {
		t.Errorf("expected provenance %q, got %q", ProvenanceTraditional, outcome.Provenance)
	}
	if outcome.Strategy != transform.Standard {
		t.Errorf("expected strategy %q, got %q", transform.Standard, outcome.Strategy)
	}
	if len(outcome.Spans) != 1 || outcome.Spans[0].Text != "12/05/2026" {
		t.Errorf("unexpected spans: %+v", outcome.Spans)
	}
	if got := stub.callCount(); got != 1 {
		t.Errorf("expected 1 backend call, got %d", got)
	}
}

func TestRecognizeEscalatesThroughLadder(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		if call <= 2 {
			<-block
			return nil, errors.New("abandoned")
		}
		return spanResult("EXP 2026-05", 0.8), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	imgPath := writePNG(t, t.TempDir(), "faded.png", whiteImage(300, 200))
	start := time.Now()
	outcome, err := e.Recognize(imgPath, &Options{Timeout: 120 * time.Millisecond})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if outcome.Strategy != transform.Aggressive {
		t.Errorf("expected strategy %q, got %q", transform.Aggressive, outcome.Strategy)
	}
	if outcome.Provenance != ProvenanceTraditional {
		t.Errorf("expected provenance %q, got %q", ProvenanceTraditional, outcome.Provenance)
	}
	// Two timed-out attempts at 120ms each precede the success.
	if elapsed := time.Since(start); elapsed < 240*time.Millisecond {
		t.Errorf("expected at least 240ms elapsed, got %v", elapsed)
	}
	if stats := e.InvokerStats(); stats.Timeouts != 2 {
		t.Errorf("expected 2 timeouts, got %d", stats.Timeouts)
	}
}

func TestRecognizeCacheRoundTrip(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("BEST BY 08/2026", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	imgPath := writePNG(t, t.TempDir(), "label.png", whiteImage(300, 200))

	first, err := e.Recognize(imgPath, nil)
	if err != nil {
		t.Fatalf("first Recognize failed: %v", err)
	}
	if first.Provenance != ProvenanceTraditional {
		t.Fatalf("expected first call provenance %q, got %q", ProvenanceTraditional, first.Provenance)
	}

	second, err := e.Recognize(imgPath, nil)
	if err != nil {
		t.Fatalf("second Recognize failed: %v", err)
	}
	if second.Provenance != ProvenanceCache {
		t.Errorf("expected second call provenance %q, got %q", ProvenanceCache, second.Provenance)
	}
	if second.Strategy != first.Strategy {
		t.Errorf("cached strategy %q does not match original %q", second.Strategy, first.Strategy)
	}
	if len(second.Spans) != 1 || second.Spans[0].Text != "BEST BY 08/2026" {
		t.Errorf("unexpected cached spans: %+v", second.Spans)
	}
	if got := stub.callCount(); got != 1 {
		t.Errorf("expected cache hit to skip the backend, got %d calls", got)
	}
}

func TestRecognizeWithoutCache(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("07/2026", 0.9), nil
	}}
	cfg := testConfig(t)
	// A regular file where the cache directory should be makes the
	// cache unopenable; the engine must come up uncached.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write blocker file: %v", err)
	}
	cfg.CacheDir = filepath.Join(blocker, "cache")
	e := newTestEngine(t, cfg, stub)

	imgPath := writePNG(t, t.TempDir(), "label.png", whiteImage(300, 200))
	for i := 0; i < 2; i++ {
		outcome, err := e.Recognize(imgPath, nil)
		if err != nil {
			t.Fatalf("Recognize %d failed: %v", i, err)
		}
		if !outcome.Found() || outcome.Provenance != ProvenanceTraditional {
			t.Errorf("call %d: expected uncached traditional outcome, got %+v", i, outcome)
		}
	}
	// No cache means no hits and a backend call per invocation.
	if got := stub.callCount(); got != 2 {
		t.Errorf("expected 2 backend calls, got %d", got)
	}
	if stats := e.CacheStats(); stats.Writes != 0 || stats.Hits != 0 {
		t.Errorf("expected zero cache activity, got %+v", stats)
	}
}

func TestRecognizeRegionPath(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("2026", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	// Over a million pixels forces the region path. Three isolated
	// dark blocks away from the origin become the candidate regions.
	img := whiteImage(1200, 900)
	drawBlock(img, 100, 100, 150, 40)
	drawBlock(img, 500, 300, 150, 40)
	drawBlock(img, 900, 700, 150, 40)
	imgPath := writePNG(t, t.TempDir(), "big.png", img)

	outcome, err := e.Recognize(imgPath, nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if outcome.Provenance != ProvenanceROI {
		t.Fatalf("expected provenance %q, got %q", ProvenanceROI, outcome.Provenance)
	}
	if outcome.Strategy != transform.Standard {
		t.Errorf("expected strategy %q, got %q", transform.Standard, outcome.Strategy)
	}
	if len(outcome.Spans) == 0 {
		t.Fatal("expected spans from the region path")
	}
	// Spans are translated back into whole-image coordinates. Every
	// block sits at x,y >= 100 with 20px crop padding, so no polygon
	// can start before 80.
	for _, s := range outcome.Spans {
		if s.Polygon[0].X < 80 || s.Polygon[0].Y < 80 {
			t.Errorf("span %q not translated into image space: %+v", s.Text, s.Polygon)
		}
	}
}

func TestRecognizeImageInMemory(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("PROD 14.02.2026", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	outcome := e.RecognizeImage(whiteImage(300, 200), nil)
	if !outcome.Found() {
		t.Fatalf("expected spans, got %+v", outcome)
	}
	if outcome.Provenance != ProvenanceTraditional {
		t.Errorf("expected provenance %q, got %q", ProvenanceTraditional, outcome.Provenance)
	}
	if outcome.Strategy != transform.Standard {
		t.Errorf("expected strategy %q, got %q", transform.Standard, outcome.Strategy)
	}
	// In-memory input has no stable identity, so nothing is cached.
	if stats := e.CacheStats(); stats.Writes != 0 {
		t.Errorf("expected no cache writes for in-memory input, got %d", stats.Writes)
	}
}

func TestRecognizeForceWholeImage(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("LOT 441", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	img := whiteImage(1200, 900)
	drawBlock(img, 100, 100, 150, 40)
	imgPath := writePNG(t, t.TempDir(), "big.png", img)

	outcome, err := e.Recognize(imgPath, &Options{ForceWholeImage: true})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if outcome.Provenance != ProvenanceTraditional {
		t.Errorf("expected provenance %q, got %q", ProvenanceTraditional, outcome.Provenance)
	}
}

func TestRecognizeAllStrategiesExhausted(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return &backend.RawResult{}, nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	imgPath := writePNG(t, t.TempDir(), "blank.png", whiteImage(300, 200))
	outcome, err := e.Recognize(imgPath, nil)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if outcome.Found() {
		t.Errorf("expected no spans, got %+v", outcome.Spans)
	}
	if outcome.Provenance != ProvenanceTraditional {
		t.Errorf("expected provenance %q, got %q", ProvenanceTraditional, outcome.Provenance)
	}
	if got := stub.callCount(); got < 3 {
		t.Errorf("expected every strategy attempted, got %d calls", got)
	}
	// Empty outcomes are never cached.
	if stats := e.CacheStats(); stats.Writes != 0 {
		t.Errorf("expected no cache writes, got %d", stats.Writes)
	}
	// Scratch files are removed even when nothing is recognized.
	leftovers, err := filepath.Glob(filepath.Join(cfg.TempDir, "dateocr-*.png"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("scratch files left behind: %v", leftovers)
	}
}

func TestRecognizeValidation(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("x", 0.9), nil
	}}
	cfg := testConfig(t)
	cfg.MaxFileSizeMB = 1
	e := newTestEngine(t, cfg, stub)

	dir := t.TempDir()
	emptyPath := filepath.Join(dir, "empty.png")
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatalf("failed to write empty file: %v", err)
	}
	hugePath := filepath.Join(dir, "huge.png")
	if err := os.WriteFile(hugePath, make([]byte, 2<<20), 0o644); err != nil {
		t.Fatalf("failed to write oversized file: %v", err)
	}
	garbagePath := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbagePath, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("failed to write garbage file: %v", err)
	}

	cases := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.png")},
		{"directory", dir},
		{"empty file", emptyPath},
		{"oversized file", hugePath},
		{"undecodable file", garbagePath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Recognize(tc.path, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *backend.ProcessingError
			if !errors.As(err, &perr) {
				t.Fatalf("expected a ProcessingError, got %T: %v", err, err)
			}
			if perr.Code != backend.ErrorValidationFailed {
				t.Errorf("expected code %q, got %q", backend.ErrorValidationFailed, perr.Code)
			}
		})
	}
	if got := stub.callCount(); got != 0 {
		t.Errorf("expected no backend calls for invalid input, got %d", got)
	}
}

func TestGuardRebuildsBackend(t *testing.T) {
	var mu sync.Mutex
	built := 0
	factory := func() (backend.Backend, error) {
		mu.Lock()
		built++
		mu.Unlock()
		return &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
			return spanResult("x", 0.9), nil
		}}, nil
	}

	cfg := testConfig(t)
	e, err := New(cfg, factory)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	// Report heap usage far over the ceiling so the next due check
	// triggers a rebuild.
	e.guard.readMem = func() uint64 { return ^uint64(0) }
	for i := 0; i < guardCallInterval; i++ {
		e.guard.maybeInspect(e)
	}

	mu.Lock()
	defer mu.Unlock()
	if built != 2 {
		t.Errorf("expected the backend to be rebuilt once, got %d constructions", built)
	}
}

func TestTimeoutForPixels(t *testing.T) {
	cases := []struct {
		pixels int
		want   time.Duration
	}{
		{400_000, 15 * time.Second},
		{700_000, 20 * time.Second},
		{1_500_000, 25 * time.Second},
		{3_000_000, 35 * time.Second},
	}
	for _, tc := range cases {
		if got := timeoutForPixels(tc.pixels); got != tc.want {
			t.Errorf("timeoutForPixels(%d) = %v, want %v", tc.pixels, got, tc.want)
		}
	}
}

func TestRecognizeBatch(t *testing.T) {
	stub := &scriptedBackend{run: func(call int, path string) (*backend.RawResult, error) {
		return spanResult("USE BY 2027", 0.9), nil
	}}
	cfg := testConfig(t)
	e := newTestEngine(t, cfg, stub)

	dir := t.TempDir()
	paths := []string{
		writePNG(t, dir, "a.png", whiteImage(300, 200)),
		filepath.Join(dir, "missing.png"),
		writePNG(t, dir, "b.png", whiteImage(320, 240)),
	}

	results := e.RecognizeBatch(paths, 2, nil)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Path != paths[i] {
			t.Errorf("result %d out of order: got %q, want %q", i, r.Path, paths[i])
		}
	}
	if results[0].Err != nil || !results[0].Outcome.Found() {
		t.Errorf("expected first file to succeed: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("expected the missing file to fail")
	}
	if results[2].Err != nil || !results[2].Outcome.Found() {
		t.Errorf("expected third file to succeed: %+v", results[2])
	}
}
