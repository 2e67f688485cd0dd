// Package pipeline drives one ingest job from message receipt to
// acknowledgment.
//
// A job moves through RECEIVED, DOWNLOADING, VALIDATING, PUBLISHING and
// MINTING. Any step can divert to ERROR. Every path ends in REPORTING, which
// sends the final "Done" status, releases the job's files and acknowledges
// the message, in that order and exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/beetlebugorg/geoingest/internal/catalog"
	"github.com/beetlebugorg/geoingest/internal/csw"
	"github.com/beetlebugorg/geoingest/internal/filehost"
	"github.com/beetlebugorg/geoingest/internal/source"
	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

// Preview size for layer thumbnails.
const (
	PreviewWidth  = 200
	PreviewHeight = 180
)

// StatusPublisher delivers status reports.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, replyTo, correlationID string, s Status) error
}

// Catalog is the per-job view of the map catalog.
type Catalog interface {
	PublishVector(ctx context.Context, store, zipPath, srs string) error
	PublishRaster(ctx context.Context, store, tifPath, srs, style string) error
	Mint(ctx context.Context, t catalog.StoreType, store string, extent geoingest.Extent) (geoingest.LayerDescriptor, error)
	Thumbnail(ctx context.Context, layer string, extent geoingest.Extent, width, height int) ([]byte, error)
}

// CatalogFactory opens a fresh catalog session for one job.
type CatalogFactory func(workspace string) Catalog

// MetadataStore attaches results to the job's file in the repository.
type MetadataStore interface {
	BuildMetadata(id string, d geoingest.LayerDescriptor) filehost.Metadata
	UploadMetadata(ctx context.Context, ep filehost.Endpoint, id string, md filehost.Metadata) error
	UploadPreview(ctx context.Context, ep filehost.Endpoint, id string, png []byte) error
}

// Registry records published layers in a metadata catalogue.
type Registry interface {
	Insert(ctx context.Context, rec csw.Record) error
}

// Config holds per-worker settings.
type Config struct {
	// ExtractorName is reported as extractor_id in every status.
	ExtractorName string

	// Workspace is the catalog workspace layers are published to.
	Workspace string

	// StyleTemplate is an SLD template path for rasters. Empty uses the
	// built-in template.
	StyleTemplate string

	// Previews renders a thumbnail of each published layer and attaches it
	// to the repository file.
	Previews bool
}

// Deps are the collaborators of a Controller. Metadata and Registry are
// optional.
type Deps struct {
	Validators geoingest.Validators
	Fetcher    source.Fetcher
	Catalog    CatalogFactory
	Metadata   MetadataStore
	Registry   Registry
	Status     StatusPublisher

	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Controller runs jobs. Handle may be called from several goroutines; each
// call owns its job exclusively.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates a controller.
func New(cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{cfg: cfg, deps: deps, log: logger}
}

// Outcome summarizes a handled job.
type Outcome struct {
	TraceID string
	Job     Job

	// Last is the last working state before REPORTING.
	Last State

	// Success is true when the job validated and published, or when the
	// input turned out not to be geospatial.
	Success bool

	// Kind classifies the failure, or MetadataMintFailed on a successful
	// publish that yielded no layer descriptor.
	Kind geoingest.ErrorKind
	Err  error

	Result geoingest.ProcessingResult
	Layer  *geoingest.LayerDescriptor

	// Statuses are the status texts sent, in order.
	Statuses []string

	// ReleaseErr aggregates failures to remove job files.
	ReleaseErr error
	Acked      bool
}

type run struct {
	c   *Controller
	msg Message
	job Job
	log *slog.Logger
	out Outcome

	state    State
	releases []func() error
}

// Handle processes one message to completion. It never panics and always
// acknowledges the message.
func (c *Controller) Handle(ctx context.Context, msg Message) Outcome {
	r := &run{
		c:   c,
		msg: msg,
		out: Outcome{TraceID: uuid.NewString()},
	}
	r.log = c.log.With("trace_id", r.out.TraceID)

	r.execute(ctx)
	r.report(ctx)
	return r.out
}

func (r *run) execute(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", "state", r.state, "panic", p, "stack", string(debug.Stack()))
			r.fail(ctx, geoingest.KindUnexpected, fmt.Errorf("panic in %s: %v", r.state, p))
		}
	}()

	job, err := ParseJob(r.msg)
	if err != nil {
		r.job = Job{ReplyTo: r.msg.ReplyTo, CorrelationID: r.msg.CorrelationID, RoutingKey: r.msg.RoutingKey}
		r.out.Job = r.job
		r.fail(ctx, geoingest.KindUnexpected, err)
		return
	}
	r.job = job
	r.out.Job = job
	r.log = r.log.With("file_id", job.FileID)

	r.enter(ctx, StateReceived)

	r.enter(ctx, StateDownloading)
	artifact, err := r.c.deps.Fetcher.Fetch(ctx, job.SourceRequest())
	if err != nil {
		r.fail(ctx, geoingest.KindTransport, fmt.Errorf("download: %w", err))
		return
	}
	r.releases = append(r.releases, artifact.Release)

	r.enter(ctx, StateValidating)
	kind := geoingest.Classify(job.RoutingKey, job.FileName, artifact.Path)
	r.log.Debug("classified upload", "kind", kind)

	switch kind {
	case geoingest.DatasetVector:
		r.vector(ctx, artifact.Path)
	case geoingest.DatasetRaster:
		r.raster(ctx, artifact.Path)
	default:
		r.fail(ctx, geoingest.KindUnexpected, fmt.Errorf("cannot classify %q", job.FileName))
	}
}

func (r *run) vector(ctx context.Context, path string) {
	vv := r.c.deps.Validators.Vector
	if vv == nil {
		r.fail(ctx, geoingest.KindUnexpected, errors.New("no vector validator configured"))
		return
	}

	set, result, err := vv.Validate(ctx, path)
	if set.Workspace != nil {
		r.releases = append(r.releases, set.Workspace.Close)
	}
	if err != nil {
		r.fail(ctx, geoingest.KindOf(err), fmt.Errorf("validate: %w", err))
		return
	}
	if !r.validated(ctx, result) {
		return
	}

	store := r.job.StoreName()
	zipPath, err := set.Workspace.Repackage(store, set.Workspace.Dir())
	if err != nil {
		r.fail(ctx, geoingest.KindUnexpected, err)
		return
	}

	// The catalog needs a declared projection; unresolved ones are
	// published as geographic.
	srs := result.Projection.SRS()
	if !result.Projection.Resolved() {
		srs = geoingest.EPSG(geoingest.EPSGWGS84).SRS()
	}

	cat := r.c.deps.Catalog(r.c.cfg.Workspace)
	r.enter(ctx, StatePublishing)
	if err := cat.PublishVector(ctx, store, zipPath, srs); err != nil {
		r.publishFailed(ctx, err)
		return
	}
	r.mint(ctx, cat, catalog.DataStore, store, true)
}

func (r *run) raster(ctx context.Context, path string) {
	rv := r.c.deps.Validators.Raster
	if rv == nil {
		r.fail(ctx, geoingest.KindUnexpected, errors.New("no raster validator configured"))
		return
	}

	style, result, err := rv.Validate(ctx, path, r.c.cfg.StyleTemplate)
	if err != nil {
		r.fail(ctx, geoingest.KindOf(err), fmt.Errorf("validate: %w", err))
		return
	}
	if !r.validated(ctx, result) {
		return
	}

	store := r.job.StoreName()
	cat := r.c.deps.Catalog(r.c.cfg.Workspace)
	r.enter(ctx, StatePublishing)
	if err := cat.PublishRaster(ctx, store, path, result.Projection.SRS(), style); err != nil {
		r.publishFailed(ctx, err)
		return
	}
	r.mint(ctx, cat, catalog.CoverageStore, store, false)
}

// validated reports the result's diagnostics and returns whether the job
// should go on to publish.
func (r *run) validated(ctx context.Context, result geoingest.ProcessingResult) bool {
	r.out.Result = result
	for _, msg := range result.Messages() {
		r.status(ctx, msg)
	}

	switch {
	case result.Informational:
		r.log.Info("not a geospatial dataset", "reason", result.Messages())
		r.out.Success = true
		r.out.Kind = geoingest.KindNotGeospatial
		return false
	case !result.OK:
		r.log.Info("validation failed", "diagnostics", result.Messages())
		r.out.Kind = result.Diagnostics[0].Kind
		return false
	}
	return true
}

func (r *run) publishFailed(ctx context.Context, err error) {
	r.status(ctx, geoingest.MsgCatalogUploadFailed)
	r.fail(ctx, geoingest.KindCatalogUploadFailed, fmt.Errorf("publish: %w", err))
}

func (r *run) mint(ctx context.Context, cat Catalog, t catalog.StoreType, store string, feature bool) {
	r.out.Success = true
	r.enter(ctx, StateMinting)

	extent := r.out.Result.Extent
	d, err := cat.Mint(ctx, t, store, extent)
	if err != nil || d.Empty() {
		r.log.Warn("no layer descriptor", "store", store, "error", err)
		r.out.Kind = geoingest.KindMetadataMintFailed
		r.out.Err = geoingest.NewPipelineError(geoingest.KindMetadataMintFailed, "mint", err)
		r.status(ctx, geoingest.MsgMetadataMintFailed)
		return
	}
	r.out.Layer = &d
	r.out.Result.Layer = &d
	r.log.Info("published layer", "layer", d.LayerName)

	ep := r.job.Endpoint()
	if md := r.c.deps.Metadata; md != nil && ep.Host != "" {
		if err := md.UploadMetadata(ctx, ep, r.job.FileID, md.BuildMetadata(r.job.FileID, d)); err != nil {
			r.log.Warn("metadata upload failed", "error", err)
		}
		if r.c.cfg.Previews {
			r.preview(ctx, cat, d, extent)
		}
	}

	if reg := r.c.deps.Registry; reg != nil && extent.Known {
		if err := r.register(ctx, reg, d, extent, feature); err != nil {
			r.log.Warn("csw registration failed", "layer", d.LayerName, "error", err)
		}
	}
}

func (r *run) preview(ctx context.Context, cat Catalog, d geoingest.LayerDescriptor, extent geoingest.Extent) {
	png, err := cat.Thumbnail(ctx, d.LayerName, extent, PreviewWidth, PreviewHeight)
	if err != nil {
		r.log.Warn("thumbnail failed", "error", err)
		return
	}
	if err := r.c.deps.Metadata.UploadPreview(ctx, r.job.Endpoint(), r.job.FileID, png); err != nil {
		r.log.Warn("preview upload failed", "error", err)
	}
}

func (r *run) register(ctx context.Context, reg Registry, d geoingest.LayerDescriptor, extent geoingest.Extent, feature bool) error {
	rp := r.c.deps.Validators.Reprojector()
	if rp == nil {
		return errors.New("no reprojector")
	}
	geo, err := rp.ToGeographic(extent)
	if err != nil {
		return err
	}
	rec, err := csw.RecordForLayer(d.LayerName, feature, geo)
	if err != nil {
		return err
	}
	return reg.Insert(ctx, rec)
}

// fail moves the job to ERROR. The first failure wins.
func (r *run) fail(ctx context.Context, kind geoingest.ErrorKind, err error) {
	if r.state == StateError {
		return
	}
	r.out.Success = false
	r.out.Kind = kind
	r.out.Err = geoingest.NewPipelineError(kind, r.state.String(), err)
	r.log.Error("job failed", "state", r.state, "kind", kind, "error", err)
	r.enter(ctx, StateError)
}

func (r *run) enter(ctx context.Context, s State) {
	if s != StateError {
		r.out.Last = s
	}
	r.state = s
	r.log.Debug("entering state", "state", s)
	if text := s.statusText(); text != "" {
		r.status(ctx, text)
	}
}

// status sends one report. Delivery failures are logged; they never change
// the job's outcome.
func (r *run) status(ctx context.Context, text string) {
	r.out.Statuses = append(r.out.Statuses, text)
	pub := r.c.deps.Status
	if pub == nil || r.job.ReplyTo == "" {
		return
	}

	s := newStatus(r.job.FileID, r.c.cfg.ExtractorName, text, r.c.deps.Clock())
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("status publisher panicked", "panic", p)
			}
		}()
		if err := pub.PublishStatus(ctx, r.job.ReplyTo, r.job.CorrelationID, s); err != nil {
			r.log.Warn("status not delivered", "status", text, "error", err)
		}
	}()
}

// report sends "Done", releases every job file and then acknowledges.
func (r *run) report(ctx context.Context) {
	r.state = StateReporting
	r.status(ctx, StatusDone)
	r.state = StateDone

	var errs *multierror.Error
	for i := len(r.releases) - 1; i >= 0; i-- {
		if err := safeCall(r.releases[i]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		r.out.ReleaseErr = err
		r.log.Warn("job files not fully released", "error", err)
	}

	if r.msg.Ack != nil {
		if err := safeCall(r.msg.Ack); err != nil {
			r.log.Error("ack failed", "error", err)
		} else {
			r.out.Acked = true
		}
	}

	r.log.Info("job finished", "success", r.out.Success, "kind", r.out.Kind, "last_state", r.out.Last)
}

func safeCall(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return f()
}
