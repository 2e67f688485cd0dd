// geoingest validates shapefile bundles and GeoTIFFs offline and searches
// them by extent.
//
// Usage:
//
//	geoingest validate [--json] [--workers N] FILE...
//	geoingest index DIR
//	geoingest query --bbox minX,minY,maxX,maxY DIR
//
// Extents are Web Mercator (EPSG:3857).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/beetlebugorg/geoingest/internal/config"
	"github.com/beetlebugorg/geoingest/internal/gdal"
	"github.com/beetlebugorg/geoingest/internal/prj2epsg"
	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are shared by every subcommand.
type options struct {
	logLevel      string
	lookupURL     string
	workers       int
	styleTemplate string
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	fs.StringVar(&o.lookupURL, "prj2epsg-url", "", "projection lookup service for unidentified .prj files (offline when empty)")
	fs.IntVarP(&o.workers, "workers", "w", runtime.NumCPU(), "files validated at once")
	fs.StringVar(&o.styleTemplate, "style-template", "", "SLD template for raster styles")
}

func (o *options) validators() (geoingest.Validators, error) {
	level, err := config.ParseLevel(o.logLevel)
	if err != nil {
		return geoingest.Validators{}, err
	}
	if os.Getenv("GEOINGEST_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var lookup geoingest.RemoteLookup
	if o.lookupURL != "" {
		lookup = prj2epsg.New(prj2epsg.Options{BaseURL: o.lookupURL})
	}

	opts := geoingest.DefaultEngineOptions()
	opts.StyleTemplate = o.styleTemplate
	opts.Logger = logger
	return geoingest.NewValidators(gdal.Engine(lookup), opts), nil
}

func (o *options) loadOptions() geoingest.LoadOptions {
	opts := geoingest.DefaultLoadOptions()
	opts.Workers = o.workers
	opts.Parallel = o.workers > 1
	opts.ErrorLog = os.Stderr
	return opts
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "validate":
		return validateCmd(ctx, args[1:], stdout)
	case "index":
		return indexCmd(ctx, args[1:], stdout)
	case "query":
		return queryCmd(ctx, args[1:], stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	}
	usage(os.Stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  geoingest validate [--json] FILE...
  geoingest index DIR
  geoingest query --bbox minX,minY,maxX,maxY DIR

Run "geoingest COMMAND --help" for the flags of a command.
`)
}

// reportJSON is the --json form of a validation report.
type reportJSON struct {
	Path          string   `json:"path"`
	Kind          string   `json:"kind"`
	OK            bool     `json:"ok"`
	Informational bool     `json:"informational,omitempty"`
	Projection    string   `json:"projection"`
	Extent        string   `json:"extent"`
	Messages      []string `json:"messages,omitempty"`
}

func toJSON(r geoingest.Report) reportJSON {
	return reportJSON{
		Path:          r.Path,
		Kind:          r.Kind.String(),
		OK:            r.Result.OK,
		Informational: r.Result.Informational,
		Projection:    r.Result.Projection.String(),
		Extent:        r.Result.Extent.String(),
		Messages:      r.Result.Messages(),
	}
}

func validateCmd(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	var asJSON bool
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	opts.register(fs)
	fs.BoolVar(&asJSON, "json", false, "print reports as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("validate: no files given")
	}

	vs, err := opts.validators()
	if err != nil {
		return err
	}
	reports, verr := geoingest.ValidateFiles(ctx, vs, fs.Args(), opts.loadOptions())

	if asJSON {
		out := make([]reportJSON, len(reports))
		for i, r := range reports {
			out[i] = toJSON(r)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		writeReports(stdout, reports)
	}

	if verr != nil {
		return verr
	}
	for _, r := range reports {
		if !r.Result.OK {
			return fmt.Errorf("%s did not validate", r.Path)
		}
	}
	return nil
}

func writeReports(w io.Writer, reports []geoingest.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKIND\tSTATUS\tPROJECTION\tEXTENT")
	for _, r := range reports {
		status := "ok"
		switch {
		case r.Result.Informational:
			status = "skipped"
		case !r.Result.OK:
			status = "invalid"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Path, r.Kind, status, r.Result.Projection, r.Result.Extent)
		for _, msg := range r.Result.Messages() {
			fmt.Fprintf(tw, "\t\t  %s\t\t\n", msg)
		}
	}
	tw.Flush()
}

func buildIndex(ctx context.Context, fs *pflag.FlagSet, opts *options) (*geoingest.DatasetIndex, error) {
	if fs.NArg() != 1 {
		return nil, errors.New("expected one directory")
	}
	vs, err := opts.validators()
	if err != nil {
		return nil, err
	}
	return geoingest.BuildIndexFromDir(ctx, fs.Arg(0), vs, opts.loadOptions())
}

func indexCmd(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	fs := pflag.NewFlagSet("index", pflag.ContinueOnError)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	idx, err := buildIndex(ctx, fs, &opts)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	writeEntries(stdout, idx.All())
	fmt.Fprintf(stdout, "\n%d datasets, bounds %s\n", idx.Count(), idx.Bounds())
	return nil
}

func queryCmd(ctx context.Context, args []string, stdout io.Writer) error {
	var opts options
	var bbox string
	fs := pflag.NewFlagSet("query", pflag.ContinueOnError)
	opts.register(fs)
	fs.StringVar(&bbox, "bbox", "", "search extent minX,minY,maxX,maxY in EPSG:3857")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bounds, err := geoingest.ParseExtent(bbox)
	if err != nil {
		return fmt.Errorf("query: --bbox: %w", err)
	}
	if !bounds.Known {
		return errors.New("query: --bbox is required")
	}

	idx, err := buildIndex(ctx, fs, &opts)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	writeEntries(stdout, idx.Query(bounds))
	return nil
}

func writeEntries(w io.Writer, entries []geoingest.DatasetEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tPROJECTION\tEXTENT\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Projection, e.Extent, e.Path)
	}
	tw.Flush()
}
