// Package cache is the keyed disk cache that fronts the upstream invoker.
// Entries live under <root>/<interface>/<hash>.bin with a sibling .meta
// file. Windows that closed before the day they were fetched never expire;
// anything touching the fetch day is an intraday snapshot and expires at
// the next local midnight after it was stored.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/sync/singleflight"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/table"
)

// Invoker is the upstream call the cache sits in front of.
type Invoker interface {
	Call(ctx context.Context, name string, params map[string]string) (*table.Table, error)
}

// Options tune the cache.
type Options struct {
	// MaxBytes bounds the total on-disk size. 0 disables eviction.
	MaxBytes int64
	// ServeStaleOnError returns an expired entry when the refresh fails.
	ServeStaleOnError bool
	// OnStaleHit is invoked when a stale entry is served, for metrics.
	OnStaleHit func(iface string)
	Logger     *slog.Logger
}

// Cache is safe for concurrent use. Concurrent misses on the same key
// collapse to a single upstream call.
type Cache struct {
	root              string
	invoker           Invoker
	maxBytes          int64
	serveStaleOnError bool
	onStaleHit        func(string)
	log               *slog.Logger

	group singleflight.Group

	// flights refcounts the waiters of each in-flight computation so the
	// shared upstream fetch is cancelled only when the last one leaves.
	flightMu sync.Mutex
	flights  map[string]*flight

	// leases tracks in-progress reads per key so the sweeper never
	// removes an entry out from under a reader.
	leaseMu sync.Mutex
	leases  map[string]int

	sweepMu sync.Mutex

	now func() time.Time
}

// New opens (creating if needed) a cache rooted at root.
func New(root string, invoker Invoker, opts Options) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating cache root: %v", api.ErrCacheIO, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.OnStaleHit == nil {
		opts.OnStaleHit = func(string) {}
	}
	return &Cache{
		root:              root,
		invoker:           invoker,
		maxBytes:          opts.MaxBytes,
		serveStaleOnError: opts.ServeStaleOnError,
		onStaleHit:        opts.OnStaleHit,
		log:               log.With("component", "cache"),
		flights:           make(map[string]*flight),
		leases:            make(map[string]int),
		now:               time.Now,
	}, nil
}

// ifaceNameRE matches the upstream catalog's interface naming. Anything
// else never reaches a filesystem path.
var ifaceNameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Key canonicalizes (iface, params) so semantically equal calls map to the
// same entry. Params are serialized per RFC 8785 and hashed.
func Key(iface string, params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return iface + "/" + hex.EncodeToString(sum[:]), nil
}

type entryMeta struct {
	StoredAt time.Time `json:"stored_at"`
	EndDate  string    `json:"end_date,omitempty"`
}

// GetOrCompute is the only read path. It returns the cached payload when
// fresh, otherwise refreshes from upstream, writing the result back
// best-effort.
func (c *Cache) GetOrCompute(ctx context.Context, iface string, params map[string]string) (*table.Table, error) {
	if !ifaceNameRE.MatchString(iface) {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownInterface, iface)
	}
	key, err := Key(iface, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidParameters, err)
	}

	// The fetch runs under the flight's detached context, not the first
	// caller's, so one waiter disconnecting never fails the rest.
	fl := c.joinFlight(key)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.getOrCompute(fl.ctx, key, iface, params)
	})
	select {
	case res := <-ch:
		c.leaveFlight(key, fl)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*table.Table), nil
	case <-ctx.Done():
		c.leaveFlight(key, fl)
		return nil, ctx.Err()
	}
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Cache) joinFlight(key string) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	fl := c.flights[key]
	if fl == nil {
		ctx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: ctx, cancel: cancel}
		c.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (c *Cache) leaveFlight(key string, fl *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if c.flights[key] == fl {
		delete(c.flights, key)
		// Abandoned computations must not be joined by later callers.
		c.group.Forget(key)
	}
}

func (c *Cache) getOrCompute(ctx context.Context, key, iface string, params map[string]string) (*table.Table, error) {
	if t, ok := c.read(key); ok {
		return t, nil
	}

	fresh, upstreamErr := c.invoker.Call(ctx, iface, params)
	if upstreamErr == nil {
		if err := c.write(key, params, fresh); err != nil {
			// Best-effort cache: the caller still gets the payload.
			c.log.Warn("cache write failed", "key", key, "error", err)
		} else {
			c.maybeSweep()
		}
		return fresh, nil
	}

	if c.serveStaleOnError {
		if t, ok := c.readAny(key); ok {
			c.log.Warn("serving stale entry after upstream failure",
				"key", key, "error", upstreamErr)
			c.onStaleHit(iface)
			return t, nil
		}
	}
	return nil, upstreamErr
}

// read returns the entry if present and fresh. Any read problem is a miss.
func (c *Cache) read(key string) (*table.Table, bool) {
	meta, ok := c.readMeta(key)
	if !ok {
		return nil, false
	}
	if !c.isFresh(meta) {
		return nil, false
	}
	return c.readPayload(key)
}

// readAny ignores freshness; used for the stale-on-error path.
func (c *Cache) readAny(key string) (*table.Table, bool) {
	if _, ok := c.readMeta(key); !ok {
		return nil, false
	}
	return c.readPayload(key)
}

func (c *Cache) readMeta(key string) (entryMeta, bool) {
	raw, err := os.ReadFile(filepath.Join(c.root, key+".meta"))
	if err != nil {
		return entryMeta{}, false
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, false
	}
	return meta, true
}

func (c *Cache) readPayload(key string) (*table.Table, bool) {
	c.acquireLease(key)
	defer c.releaseLease(key)

	path := filepath.Join(c.root, key+".bin")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	t, err := table.Decode(raw)
	if err != nil {
		c.log.Warn("corrupt cache entry treated as miss", "key", key, "error", err)
		return nil, false
	}
	// Touch for LRU; atime is unreliable on most mounts.
	now := c.now()
	_ = os.Chtimes(path, now, now)
	return t, true
}

// isFresh applies the freshness rule. Immortality is classified against
// the day the entry was stored, never against read-time today: a window
// that closed before the fetch day is immutable, while anything touching
// the fetch day was an intraday snapshot and expires at the next local
// midnight after stored_at.
func (c *Cache) isFresh(meta entryMeta) bool {
	now := c.now()
	stored := meta.StoredAt.In(now.Location())
	storedDay := time.Date(stored.Year(), stored.Month(), stored.Day(), 0, 0, 0, 0, now.Location())

	if end, ok := parseDate(meta.EndDate, now.Location()); ok && end.Before(storedDay) {
		return true
	}
	return now.Before(storedDay.AddDate(0, 0, 1))
}

// parseDate accepts the compact and dashed calendar forms used by the
// upstream catalog (20231231, 2023-12-31).
func parseDate(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// write persists payload and metadata with temp-then-rename so readers
// never observe a torn entry.
func (c *Cache) write(key string, params map[string]string, t *table.Table) error {
	payload, err := t.Encode()
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", api.ErrCacheIO, err)
	}
	meta, err := json.Marshal(entryMeta{
		StoredAt: c.now(),
		EndDate:  params["end_date"],
	})
	if err != nil {
		return fmt.Errorf("%w: encoding meta: %v", api.ErrCacheIO, err)
	}

	dir := filepath.Dir(filepath.Join(c.root, key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
	}
	// Payload first; an entry is visible only once its meta lands.
	if err := atomicWrite(filepath.Join(c.root, key+".bin"), payload); err != nil {
		return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
	}
	if err := atomicWrite(filepath.Join(c.root, key+".meta"), meta); err != nil {
		return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Invalidate removes all entries for iface, or the whole cache when iface
// is empty. Used by the administrative utility.
func (c *Cache) Invalidate(iface string) error {
	if iface == "" {
		entries, err := os.ReadDir(c.root)
		if err != nil {
			return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
				return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
			}
		}
		return nil
	}
	if !ifaceNameRE.MatchString(iface) {
		return fmt.Errorf("%w: %q", api.ErrUnknownInterface, iface)
	}
	if err := os.RemoveAll(filepath.Join(c.root, iface)); err != nil {
		return fmt.Errorf("%w: %v", api.ErrCacheIO, err)
	}
	return nil
}

func (c *Cache) acquireLease(key string) {
	c.leaseMu.Lock()
	c.leases[key]++
	c.leaseMu.Unlock()
}

func (c *Cache) releaseLease(key string) {
	c.leaseMu.Lock()
	if c.leases[key] <= 1 {
		delete(c.leases, key)
	} else {
		c.leases[key]--
	}
	c.leaseMu.Unlock()
}

func (c *Cache) leased(key string) bool {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	return c.leases[key] > 0
}

// maybeSweep kicks a background eviction pass if the ceiling is set.
func (c *Cache) maybeSweep() {
	if c.maxBytes <= 0 {
		return
	}
	go c.Sweep()
}

type sweepEntry struct {
	key   string
	size  int64
	atime time.Time
}

// Sweep evicts least-recently-read entries until total size fits under the
// ceiling. Entries with an active read lease are skipped.
func (c *Cache) Sweep() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	var entries []sweepEntry
	var total int64
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		if filepath.Ext(path) != ".bin" {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		key := rel[:len(rel)-len(".bin")]
		entries = append(entries, sweepEntry{
			key:   filepath.ToSlash(key),
			size:  info.Size(),
			atime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		c.log.Warn("cache sweep walk failed", "error", err)
		return
	}
	if total <= c.maxBytes {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].atime.Before(entries[j].atime)
	})
	for _, e := range entries {
		if total <= c.maxBytes {
			break
		}
		if c.leased(e.key) {
			continue
		}
		binPath := filepath.Join(c.root, e.key+".bin")
		metaPath := filepath.Join(c.root, e.key+".meta")
		if err := os.Remove(binPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("cache eviction failed", "key", e.key, "error", err)
			continue
		}
		_ = os.Remove(metaPath)
		total -= e.size
		c.log.Debug("evicted cache entry", "key", e.key, "size", e.size)
	}
}
