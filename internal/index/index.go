package index

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/shard"
	"github.com/leonletto/ledgerdb/internal/storage"
)

// RangePredicate expresses an optional open/closed numeric range query.
// Every bound is independently optional.
type RangePredicate struct {
	GT, GTE, LT, LTE *float64
}

// Stats summarizes a manifest without touching any shard file.
type Stats struct {
	EntryCount int
	UniqueKeys int
	SizeBytes  int64
}

var normalizeRe = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeShardKey lowercases ASCII, collapses runs of non-alphanumeric
// characters to a single '-', and trims leading/trailing '-'.
func normalizeShardKey(v string) string {
	lower := strings.ToLower(v)
	collapsed := normalizeRe.ReplaceAllString(lower, "-")
	return strings.Trim(collapsed, "-")
}

// Index is a lazily-loaded, cached view over one field's manifest + shard
// files on a storage backend.
type Index struct {
	backend   storage.Backend
	dir       string // e.g. "indexes/secondary/email"

	mu       sync.Mutex
	loaded   bool
	manifest *Manifest // nil when no manifest exists or it is corrupt (degraded mode)
	cache    map[string][]shard.Entry
}

// New returns an Index rooted at dir on backend. Nothing is read until
// Load or a lookup is called.
func New(backend storage.Backend, dir string) *Index {
	return &Index{backend: backend, dir: dir, cache: make(map[string][]shard.Entry)}
}

func (ix *Index) manifestPath() string {
	return ix.dir + "/_manifest.json"
}

// Load reads the manifest, if present. Idempotent: subsequent calls do not
// re-read. A missing or corrupt manifest puts the index into degraded mode
// (manifest == nil) rather than returning an error — callers observe this
// via Ready()/IsSharded() instead of an error return.
func (ix *Index) Load(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.loaded {
		return nil
	}
	ix.loaded = true

	data, err := ix.backend.Read(ctx, ix.manifestPath())
	if err != nil {
		ix.manifest = nil
		return nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		ix.manifest = nil
		return nil
	}
	ix.manifest = &m
	return nil
}

// Ready always reports true: the index is always safe to query, degraded
// or not.
func (ix *Index) Ready() bool { return true }

// IsSharded reports whether a usable manifest was loaded.
func (ix *Index) IsSharded() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.manifest != nil
}

// ClearCache drops every cached shard, forcing the next lookup to reload.
func (ix *Index) ClearCache() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cache = make(map[string][]shard.Entry)
}

// LoadedShardCount reports how many shards are currently cached, for tests.
func (ix *Index) LoadedShardCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.cache)
}

// loadShard returns (and caches) the decoded entries of one shard. A
// missing shard file referenced by a valid manifest returns an empty slice,
// never an error.
func (ix *Index) loadShard(ctx context.Context, desc ShardDescriptor) ([]shard.Entry, error) {
	ix.mu.Lock()
	if cached, ok := ix.cache[desc.Name]; ok {
		ix.mu.Unlock()
		return cached, nil
	}
	ix.mu.Unlock()

	data, err := ix.backend.Read(ctx, desc.Path)
	if err != nil {
		ix.mu.Lock()
		ix.cache[desc.Name] = nil
		ix.mu.Unlock()
		return nil, nil
	}

	v, verr := shard.Version(data)
	if verr != nil {
		return nil, verr
	}

	var entries []shard.Entry
	switch v {
	case shard.VersionKeyKeyed:
		entries, err = shard.DecodeV2(data)
		if err != nil {
			return nil, err
		}
	case shard.VersionCompact:
		cs, err := shard.DecodeV3(data)
		if err != nil {
			return nil, err
		}
		entries = make([]shard.Entry, 0, len(cs.Postings))
		for _, p := range cs.Postings {
			entries = append(entries, shard.Entry{Key: desc.Value, Posting: p})
		}
	default:
		return nil, dberr.New(dberr.UnsupportedShardVersion, "loadShard", desc.Path)
	}

	ix.mu.Lock()
	ix.cache[desc.Name] = entries
	ix.mu.Unlock()
	return entries, nil
}

// Lookup returns every posting keyed by value in a by-value (hash) index.
// Loads exactly one shard.
func (ix *Index) Lookup(ctx context.Context, value string) ([]shard.Posting, error) {
	if err := ix.Load(ctx); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	m := ix.manifest
	ix.mu.Unlock()
	if m == nil {
		return nil, nil
	}

	normalized := normalizeShardKey(value)
	for _, d := range m.Shards {
		if d.Name == normalized || normalizeShardKey(d.Value) == normalized {
			entries, err := ix.loadShard(ctx, d)
			if err != nil {
				return nil, err
			}
			return postingsMatching(entries, value), nil
		}
	}
	return nil, nil
}

// LookupIn returns postings for every value in values, loading only the
// shards needed.
func (ix *Index) LookupIn(ctx context.Context, values []string) ([]shard.Posting, error) {
	var out []shard.Posting
	for _, v := range values {
		p, err := ix.Lookup(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out, nil
}

func postingsMatching(entries []shard.Entry, value string) []shard.Posting {
	var out []shard.Posting
	for _, e := range entries {
		if s, ok := e.Key.(string); ok && s == value {
			out = append(out, e.Posting)
		}
	}
	return out
}

// RangeQuery returns every posting in a by-range index whose key matches
// pred, loading only shards whose interval intersects the predicate.
func (ix *Index) RangeQuery(ctx context.Context, pred RangePredicate) ([]shard.Posting, error) {
	if err := ix.Load(ctx); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	m := ix.manifest
	ix.mu.Unlock()
	if m == nil {
		return nil, nil
	}

	shards := make([]ShardDescriptor, len(m.Shards))
	copy(shards, m.Shards)
	sort.Slice(shards, func(i, j int) bool { return shards[i].RangeStart < shards[j].RangeStart })

	var out []shard.Posting
	for _, d := range shards {
		if !intersects(d, pred) {
			continue
		}
		entries, err := ix.loadShard(ctx, d)
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool {
			return numKey(entries[i].Key) < numKey(entries[j].Key)
		})
		lo := sort.Search(len(entries), func(i int) bool { return satisfiesLower(numKey(entries[i].Key), pred) })
		for i := lo; i < len(entries); i++ {
			k := numKey(entries[i].Key)
			if !satisfiesUpper(k, pred) {
				break
			}
			out = append(out, entries[i].Posting)
		}
	}
	return out, nil
}

func numKey(k any) float64 {
	if f, ok := k.(float64); ok {
		return f
	}
	return 0
}

func satisfiesLower(k float64, pred RangePredicate) bool {
	if pred.GT != nil && k <= *pred.GT {
		return false
	}
	if pred.GTE != nil && k < *pred.GTE {
		return false
	}
	return true
}

func satisfiesUpper(k float64, pred RangePredicate) bool {
	if pred.LT != nil && k >= *pred.LT {
		return false
	}
	if pred.LTE != nil && k > *pred.LTE {
		return false
	}
	return true
}

func intersects(d ShardDescriptor, pred RangePredicate) bool {
	if pred.LT != nil && d.RangeStart >= *pred.LT {
		return false
	}
	if pred.LTE != nil && d.RangeStart > *pred.LTE {
		return false
	}
	if pred.GT != nil && d.RangeEnd <= *pred.GT {
		return false
	}
	if pred.GTE != nil && d.RangeEnd <= *pred.GTE {
		return false
	}
	return true
}

// Min returns the smallest key in the index, scanning only the first
// non-empty shard. Returns (nil, nil) if there is no data.
func (ix *Index) Min(ctx context.Context) (*float64, error) {
	return ix.extreme(ctx, true)
}

// Max returns the largest key in the index, scanning only the last
// non-empty shard.
func (ix *Index) Max(ctx context.Context) (*float64, error) {
	return ix.extreme(ctx, false)
}

func (ix *Index) extreme(ctx context.Context, wantMin bool) (*float64, error) {
	if err := ix.Load(ctx); err != nil {
		return nil, err
	}
	ix.mu.Lock()
	m := ix.manifest
	ix.mu.Unlock()
	if m == nil || len(m.Shards) == 0 {
		return nil, nil
	}

	shards := make([]ShardDescriptor, len(m.Shards))
	copy(shards, m.Shards)
	sort.Slice(shards, func(i, j int) bool { return shards[i].RangeStart < shards[j].RangeStart })

	indices := make([]int, len(shards))
	for i := range indices {
		indices[i] = i
	}
	if !wantMin {
		for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
			indices[i], indices[j] = indices[j], indices[i]
		}
	}

	for _, idx := range indices {
		entries, err := ix.loadShard(ctx, shards[idx])
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		best := numKey(entries[0].Key)
		for _, e := range entries[1:] {
			k := numKey(e.Key)
			if (wantMin && k < best) || (!wantMin && k > best) {
				best = k
			}
		}
		return &best, nil
	}
	return nil, nil
}

// GetStats reports manifest-only statistics; it never touches shard files.
func (ix *Index) GetStats(ctx context.Context) (Stats, error) {
	if err := ix.Load(ctx); err != nil {
		return Stats{}, err
	}
	ix.mu.Lock()
	m := ix.manifest
	ix.mu.Unlock()
	if m == nil {
		return Stats{}, nil
	}
	return Stats{EntryCount: m.TotalEntries, UniqueKeys: len(m.Shards), SizeBytes: sumSize(m.Shards)}, nil
}

func sumSize(shards []ShardDescriptor) int64 {
	var total int64
	for _, d := range shards {
		total += d.SizeBytes
	}
	return total
}
