package engine

import (
	"golang.org/x/sync/errgroup"
)

// FileResult pairs one input path with its recognition outcome or
// error.
type FileResult struct {
	Path    string   `json:"path"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Err     error    `json:"-"`
}

// RecognizeBatch processes paths concurrently with at most workers in
// flight; workers <= 0 uses the configured default. The same options
// apply to every file. A failure on one file is recorded in its
// FileResult and never aborts the rest. Results are returned in input
// order.
func (e *Engine) RecognizeBatch(paths []string, workers int, opts *Options) []FileResult {
	if workers <= 0 {
		workers = e.cfg.Workers
	}

	results := make([]FileResult, len(paths))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			outcome, err := e.Recognize(path, opts)
			results[i] = FileResult{Path: path, Outcome: outcome, Err: err}
			return nil
		})
	}
	// Workers never return an error; failures land in their FileResult.
	_ = g.Wait()

	var found, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Outcome.Found():
			found++
		}
	}
	e.log.Info().
		Int("files", len(paths)).
		Int("found", found).
		Int("failed", failed).
		Msg("batch complete")
	return results
}
