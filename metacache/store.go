// Package metacache persists the last good scan metadata in a Pebble key/value
// store so the enrichment stage can fall back to it when the metadata service
// is unreachable, including across restarts.
package metacache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/bundle"
	"datacatcher/enrich"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	recordVersion    = 1
	recordHeaderSize = 12
)

const (
	recordFlagDegraded = 1 << 0
)

const (
	scanPrefix    = "s|"
	fetchedPrefix = "f|"
	latestKey     = "meta|latest"
	metaCountKey  = "meta|count"
)

var (
	errStoreClosed   = errors.New("metacache: store is closed")
	errInvalidCount  = errors.New("metacache: invalid count metadata")
	errInvalidRecord = errors.New("metacache: invalid record encoding")
)

const (
	defaultCacheSizeBytes        = int64(8 << 20)
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(4 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
	defaultWriteQueueDepth       = 16
)

// Options controls Pebble tuning and writer buffering for the cache.
// All zero/negative fields are replaced with safe defaults via sanitizeOptions.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
	WriteQueueDepth       int
}

// Store manages the Pebble database holding per-scan metadata and the most
// recent good copy.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache

	mu     sync.Mutex
	closed bool
	count  atomic.Int64
}

type writeKind int

const (
	writePut writeKind = iota
	writePurge
)

type writeRequest struct {
	kind   writeKind
	scan   uint64
	md     *enrich.Metadata
	cutoff time.Time
	resp   chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	return opts
}

// Purpose: Open or create the metadata cache.
// Key aspects: Loads the stored entry count and spins a single writer goroutine.
// Upstream: main.go startup.
// Downstream: Pebble open, writer loop.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("metacache: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("metacache: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("metacache: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("metacache: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
		Cache:                 pebble.NewCache(opts.CacheSizeBytes),
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("metacache: open: %w", err)
	}
	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  pebbleOpts.Cache,
	}
	store.count.Store(count)
	go store.writeLoop()
	return store, nil
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Purpose: Record metadata fetched for a scan and make it the latest good copy.
// Key aspects: Serialized through the writer goroutine; synced to disk.
// Upstream: enrich.Worker after a successful fetch.
// Downstream: writer loop.
func (s *Store) Put(scan uint64, md *enrich.Metadata) error {
	if s == nil || s.db == nil {
		return errors.New("metacache: store is not initialized")
	}
	if md == nil {
		return errors.New("metacache: metadata is nil")
	}
	resp := make(chan writeResult, 1)
	if err := s.enqueue(writeRequest{kind: writePut, scan: scan, md: md.Clone(), resp: resp}); err != nil {
		return err
	}
	return (<-resp).err
}

// Latest returns the most recently stored metadata, or (nil, nil) when the
// cache is empty.
func (s *Store) Latest() (*enrich.Metadata, error) {
	return s.get([]byte(latestKey))
}

// Get returns the metadata recorded for a scan, or (nil, nil).
func (s *Store) Get(scan uint64) (*enrich.Metadata, error) {
	return s.get(scanKeyBytes(scan))
}

func (s *Store) get(key []byte) (*enrich.Metadata, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("metacache: store is not initialized")
	}
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("metacache: get %q: %w", key, err)
	}
	defer closer.Close()
	md, err := decodeMetadata(value)
	if err != nil {
		return nil, fmt.Errorf("metacache: decode %q: %w", key, err)
	}
	return md, nil
}

// Count returns the number of per-scan entries.
func (s *Store) Count() int64 {
	if s == nil {
		return 0
	}
	return s.count.Load()
}

// Purpose: Delete per-scan entries fetched before cutoff.
// Key aspects: Walks the fetched-at index; the latest copy is never purged.
// Upstream: periodic maintenance in main.
// Downstream: writer loop.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("metacache: store is not initialized")
	}
	resp := make(chan writeResult, 1)
	if err := s.enqueue(writeRequest{kind: writePurge, cutoff: cutoff, resp: resp}); err != nil {
		return 0, err
	}
	result := <-resp
	return result.removed, result.err
}

func (s *Store) enqueue(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.writes <- req
	return nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		result := writeResult{}
		switch req.kind {
		case writePut:
			result.err = s.applyPut(req.scan, req.md)
		case writePurge:
			result.removed, result.err = s.applyPurge(req.cutoff)
		default:
			result.err = fmt.Errorf("metacache: unknown write request")
		}
		if req.resp != nil {
			req.resp <- result
		}
	}
}

func (s *Store) applyPut(scan uint64, md *enrich.Metadata) error {
	raw := encodeMetadata(md)
	key := scanKeyBytes(scan)

	batch := s.db.NewBatch()
	defer batch.Close()

	count := s.count.Load()
	prev, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		// replacing an entry: drop its old index key
		if old, derr := decodeMetadata(prev); derr == nil {
			if err := batch.Delete(fetchedKeyBytes(old.FetchedAt.UnixNano(), scan), nil); err != nil {
				closer.Close()
				return fmt.Errorf("metacache: batch delete idx %d: %w", scan, err)
			}
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
		count++
	default:
		return fmt.Errorf("metacache: get %d: %w", scan, err)
	}

	if err := batch.Set(key, raw, nil); err != nil {
		return fmt.Errorf("metacache: batch set %d: %w", scan, err)
	}
	if err := batch.Set(fetchedKeyBytes(md.FetchedAt.UnixNano(), scan), nil, nil); err != nil {
		return fmt.Errorf("metacache: batch set idx %d: %w", scan, err)
	}
	if err := batch.Set([]byte(latestKey), raw, nil); err != nil {
		return fmt.Errorf("metacache: batch set latest: %w", err)
	}
	if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
		return fmt.Errorf("metacache: batch set count: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("metacache: batch commit: %w", err)
	}
	s.count.Store(count)
	return nil
}

func (s *Store) applyPurge(cutoff time.Time) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(fetchedPrefix),
		UpperBound: fetchedUpperBound(cutoff.UnixNano()),
	})
	if err != nil {
		return 0, fmt.Errorf("metacache: purge iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	var removed int64
	for iter.First(); iter.Valid(); iter.Next() {
		scan, ok := parseFetchedKey(iter.Key())
		if !ok {
			continue
		}
		if err := batch.Delete(scanKeyBytes(scan), nil); err != nil {
			return 0, fmt.Errorf("metacache: purge delete %d: %w", scan, err)
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return 0, fmt.Errorf("metacache: purge delete idx %d: %w", scan, err)
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("metacache: purge iterate: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}
	count := s.count.Load() - removed
	if count < 0 {
		count = 0
	}
	if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
		return 0, fmt.Errorf("metacache: batch set count: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("metacache: purge commit: %w", err)
	}
	s.count.Store(count)
	return removed, nil
}

// encodeMetadata lays out a fixed header followed by the three sorted tables:
//
//	version u8 | flags u8 | source len u16 | fetched unix nanos i64
//	source bytes
//	n u16, n * (antenna i32, x f64, y f64, z f64)
//	n u16, n * (chunk i32, sideband u8, sky GHz f64, resolution MHz f64, velocity f64)
//	n u16, n * (antenna i32, flags u32)
func encodeMetadata(md *enrich.Metadata) []byte {
	source := md.Source
	if len(source) > math.MaxUint16 {
		source = source[:math.MaxUint16]
	}
	size := recordHeaderSize + len(source) +
		2 + len(md.Antennas)*28 +
		2 + len(md.Chunks)*29 +
		2 + len(md.CalFlags)*8
	buf := make([]byte, 0, size)

	var flags byte
	if md.Degraded {
		flags |= recordFlagDegraded
	}
	buf = append(buf, recordVersion, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(source)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(md.FetchedAt.UnixNano()))
	buf = append(buf, source...)

	ants := make([]int, 0, len(md.Antennas))
	for id := range md.Antennas {
		ants = append(ants, id)
	}
	sort.Ints(ants)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ants)))
	for _, id := range ants {
		p := md.Antennas[id]
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(id)))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(p.X))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(p.Y))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(p.Z))
	}

	chunks := make([]enrich.ChunkKey, 0, len(md.Chunks))
	for k := range md.Chunks {
		chunks = append(chunks, k)
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Chunk != chunks[j].Chunk {
			return chunks[i].Chunk < chunks[j].Chunk
		}
		return chunks[i].Sideband < chunks[j].Sideband
	})
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(chunks)))
	for _, k := range chunks {
		f := md.Chunks[k]
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(k.Chunk)))
		buf = append(buf, byte(k.Sideband))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f.SkyFreqGHz))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f.ResolutionMHz))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f.VelocityKms))
	}

	cals := make([]int, 0, len(md.CalFlags))
	for id := range md.CalFlags {
		cals = append(cals, id)
	}
	sort.Ints(cals)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(cals)))
	for _, id := range cals {
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(id)))
		buf = binary.BigEndian.AppendUint32(buf, md.CalFlags[id])
	}
	return buf
}

func decodeMetadata(raw []byte) (*enrich.Metadata, error) {
	if len(raw) < recordHeaderSize || raw[0] != recordVersion {
		return nil, errInvalidRecord
	}
	md := &enrich.Metadata{
		Degraded:  raw[1]&recordFlagDegraded != 0,
		FetchedAt: time.Unix(0, int64(binary.BigEndian.Uint64(raw[4:12]))).UTC(),
		Antennas:  map[int]enrich.Position{},
		Chunks:    map[enrich.ChunkKey]enrich.ChunkFreq{},
		CalFlags:  map[int]uint32{},
	}
	srcLen := int(binary.BigEndian.Uint16(raw[2:4]))
	p := raw[recordHeaderSize:]
	if len(p) < srcLen {
		return nil, errInvalidRecord
	}
	md.Source = string(p[:srcLen])
	p = p[srcLen:]

	n, p, ok := readCount(p, 28)
	if !ok {
		return nil, errInvalidRecord
	}
	for i := 0; i < n; i++ {
		id := int(int32(binary.BigEndian.Uint32(p)))
		md.Antennas[id] = enrich.Position{
			X: math.Float64frombits(binary.BigEndian.Uint64(p[4:])),
			Y: math.Float64frombits(binary.BigEndian.Uint64(p[12:])),
			Z: math.Float64frombits(binary.BigEndian.Uint64(p[20:])),
		}
		p = p[28:]
	}

	if n, p, ok = readCount(p, 29); !ok {
		return nil, errInvalidRecord
	}
	for i := 0; i < n; i++ {
		k := enrich.ChunkKey{
			Chunk:    int(int32(binary.BigEndian.Uint32(p))),
			Sideband: bundle.Sideband(p[4]),
		}
		md.Chunks[k] = enrich.ChunkFreq{
			SkyFreqGHz:    math.Float64frombits(binary.BigEndian.Uint64(p[5:])),
			ResolutionMHz: math.Float64frombits(binary.BigEndian.Uint64(p[13:])),
			VelocityKms:   math.Float64frombits(binary.BigEndian.Uint64(p[21:])),
		}
		p = p[29:]
	}

	if n, p, ok = readCount(p, 8); !ok {
		return nil, errInvalidRecord
	}
	for i := 0; i < n; i++ {
		md.CalFlags[int(int32(binary.BigEndian.Uint32(p)))] = binary.BigEndian.Uint32(p[4:])
		p = p[8:]
	}
	if len(p) != 0 {
		return nil, errInvalidRecord
	}
	return md, nil
}

// readCount reads a u16 entry count and checks that n entries of size bytes
// follow.
func readCount(p []byte, size int) (int, []byte, bool) {
	if len(p) < 2 {
		return 0, nil, false
	}
	n := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if len(p) < n*size {
		return 0, nil, false
	}
	return n, p, true
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("metacache: read count: %w", err)
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func scanKeyBytes(scan uint64) []byte {
	buf := make([]byte, 0, len(scanPrefix)+8)
	buf = append(buf, scanPrefix...)
	return binary.BigEndian.AppendUint64(buf, scan)
}

// fetchedKeyBytes orders the index by fetch time. Times before the epoch are
// clamped to zero so the unsigned big-endian ordering holds.
func fetchedKeyBytes(fetchedNanos int64, scan uint64) []byte {
	if fetchedNanos < 0 {
		fetchedNanos = 0
	}
	buf := make([]byte, 0, len(fetchedPrefix)+16)
	buf = append(buf, fetchedPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(fetchedNanos))
	return binary.BigEndian.AppendUint64(buf, scan)
}

func parseFetchedKey(key []byte) (uint64, bool) {
	if len(key) != len(fetchedPrefix)+16 || string(key[:len(fetchedPrefix)]) != fetchedPrefix {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(fetchedPrefix)+8:]), true
}

func fetchedUpperBound(cutoffNanos int64) []byte {
	if cutoffNanos < 0 {
		cutoffNanos = 0
	}
	buf := make([]byte, 0, len(fetchedPrefix)+8)
	buf = append(buf, fetchedPrefix...)
	return binary.BigEndian.AppendUint64(buf, uint64(cutoffNanos))
}
