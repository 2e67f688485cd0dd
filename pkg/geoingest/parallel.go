package geoingest

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Report is the outcome of validating one file offline.
type Report struct {
	Path   string
	Kind   DatasetKind
	Result ProcessingResult
	Style  string // raster only
}

// Validators bundles one validator per dataset kind.
type Validators struct {
	Vector *VectorBundleValidator
	Raster *RasterValidator

	// StyleTemplate is passed to the raster validator; empty uses the default.
	StyleTemplate string
}

// ValidateFile classifies path by name and content and runs the matching
// validator. Vector workspaces are removed before returning.
func (vs Validators) ValidateFile(ctx context.Context, path string) (Report, error) {
	report := Report{Path: path, Kind: Classify("", path, path)}

	switch report.Kind {
	case DatasetVector:
		if vs.Vector == nil {
			return report, fmt.Errorf("%s: no vector validator", path)
		}
		set, result, err := vs.Vector.Validate(ctx, path)
		if set.Workspace != nil {
			set.Workspace.Close()
		}
		if err != nil {
			return report, fmt.Errorf("%s: %w", path, err)
		}
		report.Result = result

	case DatasetRaster:
		if vs.Raster == nil {
			return report, fmt.Errorf("%s: no raster validator", path)
		}
		style, result, err := vs.Raster.Validate(ctx, path, vs.StyleTemplate)
		if err != nil {
			return report, fmt.Errorf("%s: %w", path, err)
		}
		report.Result = result
		report.Style = style

	default:
		return report, fmt.Errorf("%s: not a shapefile bundle or raster", path)
	}

	return report, nil
}

// LoadOptions controls parallel validation and error handling.
type LoadOptions struct {
	// Parallel enables concurrent validation.
	Parallel bool

	// Workers is the number of validating goroutines.
	// If 0, defaults to runtime.NumCPU(). Only used when Parallel is true.
	Workers int

	// SkipErrors keeps going after a file fails. When false, the first
	// error stops the batch.
	SkipErrors bool

	// Progress is called after each file with (done, total).
	Progress func(done, total int)

	// ErrorLog receives one line per failed file.
	ErrorLog io.Writer
}

// DefaultLoadOptions returns load options with sensible defaults.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Parallel:   true,
		Workers:    runtime.NumCPU(),
		SkipErrors: true,
	}
}

// ValidateFiles validates many files with a worker pool.
//
// Reports are returned in input order for the files that validated; failed
// files are left out and their errors combined into the returned error.
//
// Example:
//
//	reports, err := geoingest.ValidateFiles(ctx, validators, paths, geoingest.LoadOptions{
//	    Parallel:   true,
//	    SkipErrors: true,
//	    Progress: func(done, total int) {
//	        fmt.Printf("\rValidating: %d/%d", done, total)
//	    },
//	})
func ValidateFiles(ctx context.Context, vs Validators, paths []string, opts LoadOptions) ([]Report, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	if !opts.Parallel {
		return validateSerial(ctx, vs, paths, opts)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	type validateResult struct {
		index  int
		report Report
		err    error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, len(paths))
	results := make(chan validateResult, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if ctx.Err() != nil {
					results <- validateResult{index: index, err: ctx.Err()}
					continue
				}
				report, err := vs.ValidateFile(ctx, paths[index])
				results <- validateResult{index: index, report: report, err: err}
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	reports := make([]*Report, len(paths))
	var errs *multierror.Error
	var firstErr error
	done := 0

	for res := range results {
		done++
		if res.err != nil {
			if opts.ErrorLog != nil {
				fmt.Fprintf(opts.ErrorLog, "Error validating %s: %v\n", paths[res.index], res.err)
			}
			if !opts.SkipErrors && firstErr == nil {
				firstErr = res.err
				cancel()
			}
			errs = multierror.Append(errs, res.err)
		} else {
			r := res.report
			reports[res.index] = &r
		}

		if opts.Progress != nil {
			opts.Progress(done, len(paths))
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]Report, 0, len(paths))
	for _, r := range reports {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, errs.ErrorOrNil()
}

func validateSerial(ctx context.Context, vs Validators, paths []string, opts LoadOptions) ([]Report, error) {
	out := make([]Report, 0, len(paths))
	var errs *multierror.Error

	for i, path := range paths {
		report, err := vs.ValidateFile(ctx, path)
		if err != nil {
			if opts.ErrorLog != nil {
				fmt.Fprintf(opts.ErrorLog, "Error validating %s: %v\n", path, err)
			}
			if !opts.SkipErrors {
				return nil, err
			}
			errs = multierror.Append(errs, err)
		} else {
			out = append(out, report)
		}

		if opts.Progress != nil {
			opts.Progress(i+1, len(paths))
		}
	}

	return out, errs.ErrorOrNil()
}
