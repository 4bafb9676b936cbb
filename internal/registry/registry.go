// Package registry keeps the table of shared resources and enforces their
// download-count and deadline policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arzan03/EasyTransfer/internal/idgen"
	"github.com/arzan03/EasyTransfer/internal/metrics"
	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/packager"
	"github.com/arzan03/EasyTransfer/internal/utils"
)

const (
	// DefaultCount is the number of downloads a resource allows when the
	// caller does not say otherwise.
	DefaultCount = 1
	// DefaultTTL is how long a resource lives when the caller does not say
	// otherwise.
	DefaultTTL = time.Hour

	maxIDAttempts = 8
)

// Policy is the download budget of a resource.
type Policy struct {
	Count int
	TTL   time.Duration
}

// Packager turns a directory into an archive file.
type Packager interface {
	Package(ctx context.Context, dir, out string) (packager.Result, error)
}

// Config tunes a Registry.
type Config struct {
	// WorkDir is the parent of the per-process directory holding archives.
	// Empty means the system temp directory.
	WorkDir     string
	Default     Policy
	PackWorkers int
	PackTimeout time.Duration
}

// Delivery is what a successful consumption hands to the transport.
type Delivery struct {
	ID        uint64
	Path      string
	Name      string
	Remaining int
	Packaged  bool
}

type entry struct {
	models.Resource
	seq uint64
}

// Registry maps tokens to resources. All methods are safe for concurrent
// use; every mutation happens under one mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	seq     uint64

	ids         idgen.Generator
	pack        Packager
	pool        *utils.WorkerPool
	flight      singleflight.Group
	now         func() time.Time
	onPackaged  func(id uint64, archive string)
	defaults    Policy
	packTimeout time.Duration
	workDir     string

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Option customizes a Registry at construction.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDs replaces the token generator.
func WithIDs(g idgen.Generator) Option {
	return func(r *Registry) { r.ids = g }
}

// WithPackager replaces the directory packager.
func WithPackager(p Packager) Option {
	return func(r *Registry) { r.pack = p }
}

// WithPackagedHook registers fn to run once for every archive bound to a
// resource. fn is called without the registry lock held, on the path of the
// consumption that triggered packaging, so it must return quickly.
func WithPackagedHook(fn func(id uint64, archive string)) Option {
	return func(r *Registry) { r.onPackaged = fn }
}

// New creates a registry with its own archive directory under cfg.WorkDir.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if cfg.Default.Count < 1 {
		cfg.Default.Count = DefaultCount
	}
	if cfg.Default.TTL <= 0 {
		cfg.Default.TTL = DefaultTTL
	}
	if cfg.PackTimeout <= 0 {
		cfg.PackTimeout = 10 * time.Minute
	}
	if cfg.WorkDir != "" {
		if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(cfg.WorkDir, "easytransfer-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	r := &Registry{
		entries:     make(map[uint64]*entry),
		ids:         idgen.New(),
		pool:        utils.NewWorkerPool(cfg.PackWorkers),
		now:         time.Now,
		defaults:    cfg.Default,
		packTimeout: cfg.PackTimeout,
		workDir:     workDir,
		logger:      logger.With(slog.String("component", "registry")),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	if r.pack == nil {
		r.pack = packager.New(logger)
	}
	return r, nil
}

// DefaultPolicy returns the policy applied when a caller gives no override.
func (r *Registry) DefaultPolicy() Policy {
	return r.defaults
}

// WorkDir returns the directory holding this registry's archives.
func (r *Registry) WorkDir() string {
	return r.workDir
}

// Create registers location under a fresh token. location must exist and,
// if it is a regular file, be readable.
func (r *Registry) Create(location string, p Policy) (uint64, error) {
	if p.Count < 1 {
		metrics.RegistryOperations.WithLabelValues("create", "invalid").Inc()
		return 0, fmt.Errorf("%w: count must be at least 1, got %d", ErrInvalidPolicy, p.Count)
	}
	if !filepath.IsAbs(location) {
		metrics.RegistryOperations.WithLabelValues("create", "invalid").Inc()
		return 0, &PathError{Kind: PathOther, Path: location, Err: errors.New("path is not absolute")}
	}
	location = filepath.Clean(location)

	if _, err := checkPath(location); err != nil {
		var pathErr *PathError
		if errors.As(err, &pathErr) && pathErr.Kind == PathMissing {
			metrics.RegistryOperations.WithLabelValues("create", "not_found").Inc()
			return 0, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		metrics.RegistryOperations.WithLabelValues("create", "path_invalid").Inc()
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocateID()
	if err != nil {
		metrics.RegistryOperations.WithLabelValues("create", "error").Inc()
		return 0, err
	}

	now := r.now()
	r.entries[id] = &entry{
		Resource: models.Resource{
			ID:        id,
			Location:  location,
			Name:      filepath.Base(location),
			Remaining: p.Count,
			ExpiresAt: now.Add(p.TTL),
			CreatedAt: now,
		},
		seq: r.seq,
	}
	r.seq++
	r.updateGauge()
	metrics.RegistryOperations.WithLabelValues("create", "ok").Inc()

	r.logger.Info("created mapping",
		slog.Uint64("id", id),
		slog.String("location", location),
		slog.Int("count", p.Count),
		slog.Duration("ttl", p.TTL),
	)
	return id, nil
}

// allocateID draws ids until one is not live. Caller holds r.mu.
func (r *Registry) allocateID() (uint64, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.ids.Next()
		if err != nil {
			return 0, err
		}
		if _, taken := r.entries[id]; !taken {
			return id, nil
		}
		r.logger.Warn("id collision, drawing again", slog.Int("attempt", attempt+1))
	}
	return 0, ErrIDSpaceExhausted
}

// Consume performs one download of id. It removes the resource when its
// location became invalid, its deadline passed, or this call used its last
// download. A directory is packaged into an archive the first time it is
// consumed; later consumptions serve the same archive.
func (r *Registry) Consume(ctx context.Context, id uint64) (Delivery, error) {
	r.mu.Lock()
	e, info, err := r.admit(id)
	if err != nil {
		r.mu.Unlock()
		return Delivery{}, err
	}

	if info.IsDir() && !e.Packaged {
		dir := e.Location
		r.mu.Unlock()

		if err := r.packageDir(ctx, id, dir); err != nil {
			metrics.RegistryOperations.WithLabelValues("consume", "packaging_failed").Inc()
			return Delivery{}, err
		}

		r.mu.Lock()
		e, info, err = r.admit(id)
		if err != nil {
			r.mu.Unlock()
			return Delivery{}, err
		}
		if info.IsDir() {
			r.mu.Unlock()
			return Delivery{}, fmt.Errorf("%w: %s was not bound to an archive", ErrPackaging, dir)
		}
	}
	defer r.mu.Unlock()

	e.Remaining--
	d := Delivery{
		ID:        id,
		Path:      e.Location,
		Name:      e.Name,
		Remaining: e.Remaining,
		Packaged:  e.Packaged,
	}
	if e.Packaged {
		d.Name = filepath.Base(e.Location)
	}
	if e.Remaining == 0 {
		// The archive stays on disk until Close: the caller is about to
		// stream it.
		delete(r.entries, id)
		r.updateGauge()
		r.logger.Info("download budget used up", slog.Uint64("id", id))
	}
	metrics.RegistryOperations.WithLabelValues("consume", "ok").Inc()

	r.logger.Debug("resource consumed",
		slog.Uint64("id", id),
		slog.String("path", d.Path),
		slog.Int("remaining", d.Remaining),
	)
	return d, nil
}

// admit looks id up and drops it if it can no longer be served. Caller
// holds r.mu.
func (r *Registry) admit(id uint64) (*entry, os.FileInfo, error) {
	e, ok := r.entries[id]
	if !ok {
		metrics.RegistryOperations.WithLabelValues("consume", "not_found").Inc()
		return nil, nil, ErrNotFound
	}

	info, pathErr := checkPath(e.Location)
	switch models.Evaluate(&e.Resource, r.now(), pathErr) {
	case models.StatusPathInvalid:
		r.logger.Info("path no longer valid",
			slog.Uint64("id", id),
			slog.String("error", pathErr.Error()),
		)
		r.drop(id)
		metrics.RegistryOperations.WithLabelValues("consume", "path_invalid").Inc()
		return nil, nil, pathErr
	case models.StatusExpired:
		r.logger.Info("file has expired",
			slog.Uint64("id", id),
			slog.String("location", e.Location),
		)
		r.drop(id)
		metrics.RegistryOperations.WithLabelValues("consume", "expired").Inc()
		return nil, nil, ErrExpired
	case models.StatusExhausted:
		r.drop(id)
		metrics.RegistryOperations.WithLabelValues("consume", "not_found").Inc()
		return nil, nil, ErrNotFound
	}
	return e, info, nil
}

// packageDir archives dir for id on the worker pool. Concurrent callers
// for the same id share one job. The archive is bound to the entry inside
// the job, so once the job finishes no later caller packages again.
func (r *Registry) packageDir(ctx context.Context, id uint64, dir string) error {
	key := strconv.FormatUint(id, 10)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		// A caller that passed admit before an earlier job bound the
		// archive reaches here after that job's key was forgotten.
		if !r.needsPackaging(id) {
			return nil, nil
		}

		jobCtx, cancel := context.WithTimeout(r.ctx, r.packTimeout)
		defer cancel()

		// Each attempt gets its own directory so a timed-out job still
		// cleaning up cannot touch the archive of a later attempt.
		idDir := filepath.Join(r.workDir, key)
		if err := os.MkdirAll(idDir, 0o700); err != nil {
			return nil, err
		}
		attemptDir, err := os.MkdirTemp(idDir, "")
		if err != nil {
			return nil, err
		}
		out := filepath.Join(attemptDir, packager.ArchiveName(dir))

		done := make(chan error, 1)
		if err := r.pool.AddTask(jobCtx, func() {
			_, err := r.pack.Package(jobCtx, dir, out)
			done <- err
		}); err != nil {
			r.removeAttempt(attemptDir)
			return nil, err
		}

		select {
		case err := <-done:
			if err != nil {
				r.removeAttempt(attemptDir)
				return nil, err
			}
		case <-jobCtx.Done():
			// The task may still be writing; clean up once it returns.
			go func() {
				<-done
				r.removeAttempt(attemptDir)
			}()
			return nil, jobCtx.Err()
		}

		r.mu.Lock()
		bound := false
		if e, ok := r.entries[id]; ok && !e.Packaged {
			e.Location = out
			e.Packaged = true
			bound = true
		}
		r.mu.Unlock()

		if !bound {
			// Revoked or expired while packaging.
			r.removeAttempt(attemptDir)
			_ = os.Remove(idDir)
			return nil, nil
		}
		if r.onPackaged != nil {
			r.onPackaged(id, out)
		}
		return out, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			r.logger.Error("packaging failed",
				slog.Uint64("id", id),
				slog.String("dir", dir),
				slog.String("error", res.Err.Error()),
			)
			return fmt.Errorf("%w: %s: %v", ErrPackaging, dir, res.Err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrPackaging, dir, ctx.Err())
	}
}

// needsPackaging reports whether id is still live and not yet bound to an
// archive.
func (r *Registry) needsPackaging(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && !e.Packaged
}

func (r *Registry) removeAttempt(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn("failed to remove unused archive",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

// Revoke removes id. It reports whether a resource was removed.
func (r *Registry) Revoke(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		metrics.RegistryOperations.WithLabelValues("revoke", "not_found").Inc()
		return false
	}
	r.drop(id)
	metrics.RegistryOperations.WithLabelValues("revoke", "ok").Inc()
	r.logger.Info("mapping erased", slog.Uint64("id", id))
	return true
}

// SweepExpired removes every resource whose deadline has passed and returns
// their ids in creation order.
func (r *Registry) SweepExpired() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// Snapshot sweeps expired resources and lists the survivors under one lock
// acquisition, so no listed resource is past its deadline.
func (r *Registry) Snapshot() (expired []uint64, live []models.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired = r.sweepLocked(r.now())
	return expired, r.listLocked()
}

// sweepLocked drops entries with a deadline at or before now. Caller holds
// r.mu.
func (r *Registry) sweepLocked(now time.Time) []uint64 {
	var expired []*entry
	for _, e := range r.entries {
		if !now.Before(e.ExpiresAt) {
			expired = append(expired, e)
		}
	}
	sortEntries(expired)

	ids := make([]uint64, 0, len(expired))
	for _, e := range expired {
		r.logger.Info("file has expired",
			slog.Uint64("id", e.ID),
			slog.String("location", e.Location),
		)
		r.drop(e.ID)
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		metrics.RegistryOperations.WithLabelValues("sweep", "expired").Add(float64(len(ids)))
	}
	return ids
}

// List returns a copy of every live resource in creation order.
func (r *Registry) List() []models.Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []models.Resource {
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	sortEntries(all)

	out := make([]models.Resource, len(all))
	for i, e := range all {
		out[i] = e.Resource
	}
	return out
}

// Len returns the number of live resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels running packaging jobs, waits for the pool to drain and
// deletes every archive this registry produced.
func (r *Registry) Close() error {
	r.cancel()
	r.pool.Close()
	r.pool.Wait()

	r.mu.Lock()
	r.entries = make(map[uint64]*entry)
	r.updateGauge()
	r.mu.Unlock()

	if err := os.RemoveAll(r.workDir); err != nil {
		return fmt.Errorf("failed to remove work directory: %w", err)
	}
	return nil
}

// drop removes id and any archive produced for it. Caller holds r.mu.
func (r *Registry) drop(id uint64) {
	delete(r.entries, id)
	r.updateGauge()
	if err := os.RemoveAll(filepath.Join(r.workDir, strconv.FormatUint(id, 10))); err != nil {
		r.logger.Warn("failed to remove archive",
			slog.Uint64("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) updateGauge() {
	metrics.ResourcesLive.Set(float64(len(r.entries)))
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
}
