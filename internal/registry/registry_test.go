package registry

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzan03/EasyTransfer/internal/idgen"
	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/packager"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	mu  sync.Mutex
	ids []uint64
}

func (s *sequenceIDs) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return 0, errors.New("sequence exhausted")
	}
	id := s.ids[0]
	if len(s.ids) > 1 {
		s.ids = s.ids[1:]
	}
	return id, nil
}

// countingPackager wraps the real packager, counting calls and optionally
// failing or blocking.
type countingPackager struct {
	inner *packager.Packager
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (p *countingPackager) Package(ctx context.Context, dir, out string) (packager.Result, error) {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if p.fail.Load() {
		return packager.Result{}, errors.New("disk full")
	}
	return p.inner.Package(ctx, dir, out)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	r, err := New(Config{WorkDir: t.TempDir(), PackWorkers: 2}, discardLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clock
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestNewAppliesDefaults(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Equal(t, Policy{Count: DefaultCount, TTL: DefaultTTL}, r.DefaultPolicy())
	assert.DirExists(t, r.WorkDir())
}

func TestConsumeExactlyCountTimes(t *testing.T) {
	r, clock := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "a.txt"), "hello")

	id, err := r.Create(file, Policy{Count: 2, TTL: 5 * time.Second})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, idgen.Min)
	assert.Less(t, id, idgen.Max)

	clock.Advance(time.Second)
	d, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, file, d.Path)
	assert.Equal(t, "a.txt", d.Name)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 1, r.Len())

	d, err = r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 0, r.Len())

	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeAfterZeroTTLExpires(t *testing.T) {
	r, clock := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "b.txt"), "bye")

	id, err := r.Create(file, Policy{Count: 1, TTL: 0})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeWithPastDeadline(t *testing.T) {
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "c.txt"), "late")

	id, err := r.Create(file, Policy{Count: 3, TTL: -time.Minute})
	require.NoError(t, err)

	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrExpired)
	assert.False(t, r.Revoke(id))
}

func TestConsumeDeletedPathIsTerminal(t *testing.T) {
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "d.txt"), "soon gone")

	id, err := r.Create(file, Policy{Count: 5, TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, os.Remove(file))

	_, err = r.Consume(context.Background(), id)
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathMissing, pathErr.Kind)

	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "ok.txt"), "ok")

	_, err := r.Create(filepath.Join(dir, "missing.txt"), r.DefaultPolicy())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Create("relative/path.txt", r.DefaultPolicy())
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathOther, pathErr.Kind)

	_, err = r.Create(file, Policy{Count: 0, TTL: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = r.Create(dir, r.DefaultPolicy())
	assert.NoError(t, err)

	assert.Equal(t, 1, r.Len())
}

func TestCreateUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "locked"), "x")
	require.NoError(t, os.Chmod(file, 0))

	_, err := r.Create(file, r.DefaultPolicy())
	var pathErr *PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, PathPermission, pathErr.Kind)
}

func TestCreateRetriesOnCollision(t *testing.T) {
	const a, b = idgen.Min + 7, idgen.Min + 9
	ids := &sequenceIDs{ids: []uint64{a, a, a, b}}
	r, _ := newTestRegistry(t, WithIDs(ids))
	file := writeFile(t, filepath.Join(t.TempDir(), "f"), "x")

	first, err := r.Create(file, r.DefaultPolicy())
	require.NoError(t, err)
	second, err := r.Create(file, r.DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, a, first)
	assert.Equal(t, b, second)
}

func TestCreateGivesUpWhenEveryIDCollides(t *testing.T) {
	ids := &sequenceIDs{ids: []uint64{idgen.Min}}
	r, _ := newTestRegistry(t, WithIDs(ids))
	file := writeFile(t, filepath.Join(t.TempDir(), "f"), "x")

	_, err := r.Create(file, r.DefaultPolicy())
	require.NoError(t, err)
	_, err = r.Create(file, r.DefaultPolicy())
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
	assert.Equal(t, 1, r.Len())
}

func TestRevoke(t *testing.T) {
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "r.txt"), "x")
	id, err := r.Create(file, Policy{Count: 3, TTL: time.Hour})
	require.NoError(t, err)

	assert.True(t, r.Revoke(id))
	assert.False(t, r.Revoke(id))
	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepAndListDropStaleEntries(t *testing.T) {
	r, clock := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "s.txt"), "x")

	short, err := r.Create(file, Policy{Count: 1, TTL: time.Second})
	require.NoError(t, err)
	long, err := r.Create(file, Policy{Count: 4, TTL: time.Hour})
	require.NoError(t, err)
	exact, err := r.Create(file, Policy{Count: 1, TTL: 10 * time.Second})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	assert.Equal(t, []uint64{short, exact}, r.SweepExpired())

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, long, list[0].ID)
	assert.Equal(t, 4, list[0].Remaining)
	assert.Equal(t, file, list[0].Location)
	now := clock.Now()
	for _, res := range list {
		assert.True(t, now.Before(res.ExpiresAt))
		assert.Equal(t, models.StatusActive, models.Evaluate(&res, now, nil))
	}

	assert.Empty(t, r.SweepExpired())
}

func TestListKeepsInsertionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "o.txt"), "x")

	var want []uint64
	for i := 0; i < 10; i++ {
		id, err := r.Create(file, r.DefaultPolicy())
		require.NoError(t, err)
		want = append(want, id)
	}

	var got []uint64
	for _, res := range r.List() {
		got = append(got, res.ID)
	}
	assert.Equal(t, want, got)
}

func TestDirectoryIsPackagedOnce(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger())}
	var hooked []string
	r, _ := newTestRegistry(t,
		WithPackager(pack),
		WithPackagedHook(func(_ uint64, archive string) { hooked = append(hooked, archive) }),
	)

	dir := filepath.Join(t.TempDir(), ".photos")
	writeFile(t, filepath.Join(dir, "one.jpg"), "1")
	writeFile(t, filepath.Join(dir, "nested", "two.jpg"), "2")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	id, err := r.Create(dir, Policy{Count: 2, TTL: time.Hour})
	require.NoError(t, err)

	first, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, first.Packaged)
	assert.Equal(t, "photos.tgz", first.Name)
	assert.True(t, filepath.IsAbs(first.Path))
	assert.Equal(t, []string{".photos/nested/two.jpg", ".photos/one.jpg"}, archiveEntries(t, first.Path))

	list := r.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Packaged)
	assert.Equal(t, first.Path, list[0].Location)

	second, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, int32(1), pack.calls.Load())
	assert.Equal(t, []string{first.Path}, hooked)

	// The archive outlives the entry until the registry closes.
	assert.FileExists(t, second.Path)
	require.NoError(t, r.Close())
	assert.NoFileExists(t, second.Path)
}

func TestPackagingFailureLeavesEntryUnpackaged(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger())}
	pack.fail.Store(true)
	r, _ := newTestRegistry(t, WithPackager(pack))

	dir := filepath.Join(t.TempDir(), "docs")
	writeFile(t, filepath.Join(dir, "a"), "a")
	id, err := r.Create(dir, Policy{Count: 1, TTL: time.Hour})
	require.NoError(t, err)

	_, err = r.Consume(context.Background(), id)
	assert.ErrorIs(t, err, ErrPackaging)

	list := r.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Packaged)
	assert.Equal(t, dir, list[0].Location)
	assert.Equal(t, 1, list[0].Remaining)

	pack.fail.Store(false)
	d, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, d.Packaged)
	assert.Equal(t, int32(2), pack.calls.Load())
}

func TestConcurrentConsumersSharePackaging(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger()), gate: make(chan struct{})}
	r, _ := newTestRegistry(t, WithPackager(pack))

	dir := filepath.Join(t.TempDir(), "shared")
	writeFile(t, filepath.Join(dir, "a"), "a")
	id, err := r.Create(dir, Policy{Count: 3, TTL: time.Hour})
	require.NoError(t, err)

	var wg sync.WaitGroup
	paths := make([]string, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Consume(context.Background(), id)
			paths[i], errs[i] = d.Path, err
		}(i)
	}

	require.Eventually(t, func() bool { return pack.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(pack.gate)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, int32(1), pack.calls.Load())
	assert.Equal(t, 0, r.Len())
}

func TestConsumeGivesUpWaitingOnCancelledContext(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger()), gate: make(chan struct{})}
	r, _ := newTestRegistry(t, WithPackager(pack))

	dir := filepath.Join(t.TempDir(), "slow")
	writeFile(t, filepath.Join(dir, "a"), "a")
	id, err := r.Create(dir, Policy{Count: 1, TTL: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Consume(ctx, id)
	assert.ErrorIs(t, err, ErrPackaging)
	close(pack.gate)

	// The job still finishes and binds the archive for the next caller.
	require.Eventually(t, func() bool {
		list := r.List()
		return len(list) == 1 && list[0].Packaged
	}, time.Second, time.Millisecond)
	d, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "slow.tgz", d.Name)
	assert.Equal(t, int32(1), pack.calls.Load())
}

func TestConcurrentConsumeHonorsCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "hot.txt"), "x")
	id, err := r.Create(file, Policy{Count: 25, TTL: time.Hour})
	require.NoError(t, err)

	var ok, notFound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Consume(context.Background(), id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), ok.Load())
	assert.Equal(t, int32(35), notFound.Load())
}

func TestLateConsumerDoesNotPackageAgain(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger())}
	r, _ := newTestRegistry(t, WithPackager(pack))

	dir := filepath.Join(t.TempDir(), "album")
	writeFile(t, filepath.Join(dir, "a.jpg"), "a")
	id, err := r.Create(dir, Policy{Count: 3, TTL: time.Hour})
	require.NoError(t, err)

	first, err := r.Consume(context.Background(), id)
	require.NoError(t, err)

	// A consumer admitted before the archive was bound arrives after the
	// first job has finished.
	require.NoError(t, r.packageDir(context.Background(), id, dir))
	assert.Equal(t, int32(1), pack.calls.Load())

	attempts, err := os.ReadDir(filepath.Join(r.WorkDir(), strconv.FormatUint(id, 10)))
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	second, err := r.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)

	require.True(t, r.Revoke(id))
	require.NoError(t, r.packageDir(context.Background(), id, dir))
	assert.Equal(t, int32(1), pack.calls.Load())
}

func TestArchiveOfRevokedEntryIsRemoved(t *testing.T) {
	pack := &countingPackager{inner: packager.New(discardLogger()), gate: make(chan struct{})}
	var hooked atomic.Int32
	r, _ := newTestRegistry(t,
		WithPackager(pack),
		WithPackagedHook(func(uint64, string) { hooked.Add(1) }),
	)

	dir := filepath.Join(t.TempDir(), "big")
	writeFile(t, filepath.Join(dir, "a"), "a")
	id, err := r.Create(dir, Policy{Count: 1, TTL: time.Hour})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Consume(context.Background(), id)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return pack.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, r.Revoke(id))
	close(pack.gate)

	assert.ErrorIs(t, <-errCh, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(r.WorkDir(), strconv.FormatUint(id, 10)))
	assert.Zero(t, hooked.Load())
}

func TestSnapshotSweepsAndListsTogether(t *testing.T) {
	r, clock := newTestRegistry(t)
	dir := t.TempDir()
	short, err := r.Create(writeFile(t, filepath.Join(dir, "short"), "x"), Policy{Count: 1, TTL: 10 * time.Second})
	require.NoError(t, err)
	long, err := r.Create(writeFile(t, filepath.Join(dir, "long"), "x"), Policy{Count: 2, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	expired, live := r.Snapshot()
	assert.Equal(t, []uint64{short}, expired)
	require.Len(t, live, 1)
	assert.Equal(t, long, live[0].ID)
	assert.Equal(t, 1, r.Len())
}
