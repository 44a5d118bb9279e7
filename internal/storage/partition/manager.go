package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/store"
	"github.com/orbiteos/joule/internal/storage/types"
)

// Options configures the partition manager.
type Options struct {
	// Width is the chunk time width. Boundaries align to multiples of
	// Width since the Unix epoch.
	Width time.Duration

	// SkewWindow is how far ahead of server time a timestamp may lie.
	SkewWindow time.Duration

	// NowFunc supplies the wall clock; tests override it.
	NowFunc func() time.Time
}

// DefaultOptions returns default partition options.
func DefaultOptions() Options {
	return Options{
		Width:      24 * time.Hour,
		SkewWindow: 5 * time.Minute,
	}
}

// Manager owns the chunk lifecycle: it resolves timestamps to chunks,
// materializes chunk metadata on first write, applies the skew and
// late-write gates, and drives OPEN -> CLOSED transitions as the wall
// clock passes chunk bounds.
//
// There is at most one OPEN chunk: the one covering "now". Writes into
// past windows above the watermark land in CLOSED chunks; windows that
// were never written are materialized directly as CLOSED.
type Manager struct {
	meta *store.Store
	mem  *Memstore
	log  *slog.Logger

	widthMs int64
	skewMs  int64
	nowFunc func() time.Time

	// states caches the writable chunk set so the per-point hot path
	// never touches the metastore. Entries leave on compression/expiry.
	mu     sync.Mutex
	states map[int64]types.ChunkState

	watermark atomic.Int64

	createdCount atomic.Int64
	closedCount  atomic.Int64
}

// NewManager creates a partition manager. Call Bootstrap before use.
func NewManager(meta *store.Store, mem *Memstore, opts Options) *Manager {
	if opts.NowFunc == nil {
		opts.NowFunc = time.Now
	}
	return &Manager{
		meta:    meta,
		mem:     mem,
		log:     logging.Component("partition"),
		widthMs: types.ChunkWidthMs(opts.Width),
		skewMs:  opts.SkewWindow.Milliseconds(),
		nowFunc: opts.NowFunc,
		states:  make(map[int64]types.ChunkState),
	}
}

// WidthMs returns the chunk width in milliseconds.
func (m *Manager) WidthMs() int64 {
	return m.widthMs
}

// Bootstrap loads the watermark and the writable chunk set from the
// metastore and closes any open chunk whose window passed while the
// process was down.
func (m *Manager) Bootstrap(ctx context.Context) error {
	wm, err := m.meta.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	m.watermark.Store(wm)

	for _, st := range []types.ChunkState{types.ChunkOpen, types.ChunkClosed} {
		chunks, err := m.meta.ListChunksByState(ctx, st)
		if err != nil {
			return fmt.Errorf("list %s chunks: %w", st, err)
		}
		m.mu.Lock()
		for _, c := range chunks {
			m.states[c.StartMs] = c.State
		}
		m.mu.Unlock()
	}

	closed, err := m.CloseDue(ctx)
	if err != nil {
		return err
	}
	if closed > 0 {
		m.log.Info("closed overdue chunks at startup", "count", closed)
	}
	return nil
}

// Write validates a point's timestamp against the skew window and the
// watermark, materializes the covering chunk if needed, and applies the
// point to the memstore. Returns true if the point replaced an earlier
// write for the same (tenant, series, timestamp).
func (m *Manager) Write(ctx context.Context, p types.Point) (bool, error) {
	nowMs := m.nowFunc().UnixMilli()

	if p.TimestampMs > nowMs+m.skewMs {
		return false, fmt.Errorf("timestamp %d is %dms ahead of server time: %w",
			p.TimestampMs, p.TimestampMs-nowMs, errors.ErrClockSkew)
	}
	if wm := m.watermark.Load(); p.TimestampMs < wm {
		return false, fmt.Errorf("timestamp %d below watermark %d: %w",
			p.TimestampMs, wm, errors.ErrLateWrite)
	}

	chunkStart := types.ChunkStartFor(p.TimestampMs, m.widthMs)
	if err := m.ensureWritable(ctx, chunkStart, nowMs); err != nil {
		return false, err
	}
	return m.mem.Upsert(p), nil
}

// Replay applies a WAL point during recovery. Skew and watermark gates do
// not apply (the point passed them when first accepted); points whose chunk
// has since been compressed or expired are skipped, their data is already
// durable elsewhere or deliberately gone.
func (m *Manager) Replay(ctx context.Context, p types.Point) (bool, error) {
	chunkStart := types.ChunkStartFor(p.TimestampMs, m.widthMs)

	m.mu.Lock()
	state, ok := m.states[chunkStart]
	m.mu.Unlock()

	if !ok {
		chunk, err := m.meta.GetChunk(ctx, chunkStart)
		if err != nil {
			return false, err
		}
		if chunk == nil {
			// Metastore lost the chunk row (fresh metastore, old WAL).
			// Recreate it; past windows are born closed.
			nowMs := m.nowFunc().UnixMilli()
			initial := types.ChunkOpen
			if chunkStart+m.widthMs <= nowMs {
				initial = types.ChunkClosed
			}
			chunk, _, err = m.meta.EnsureChunkState(ctx, chunkStart, chunkStart+m.widthMs, initial)
			if err != nil {
				return false, err
			}
		}
		state = chunk.State
		if state.Writable() {
			m.mu.Lock()
			m.states[chunkStart] = state
			m.mu.Unlock()
		}
	}

	if !state.Writable() {
		return false, nil
	}
	m.mem.Upsert(p)
	return true, nil
}

// ensureWritable resolves a chunk to a writable state, creating the chunk
// row on first contact with its window.
func (m *Manager) ensureWritable(ctx context.Context, chunkStart, nowMs int64) error {
	m.mu.Lock()
	state, ok := m.states[chunkStart]
	m.mu.Unlock()
	if ok {
		if state.Writable() {
			return nil
		}
		return notWritableErr(chunkStart, state)
	}

	endMs := chunkStart + m.widthMs
	initial := types.ChunkOpen
	if endMs <= nowMs {
		initial = types.ChunkClosed
	}

	chunk, created, err := m.meta.EnsureChunkState(ctx, chunkStart, endMs, initial)
	if err != nil {
		return fmt.Errorf("ensure chunk: %w", err)
	}

	if chunk.State.Writable() {
		m.mu.Lock()
		m.states[chunkStart] = chunk.State
		m.mu.Unlock()
	}

	if created {
		m.createdCount.Add(1)
		m.log.Info("chunk created", "chunk", chunk.Label(), "state", chunk.State.String())
		if chunk.State == types.ChunkOpen {
			// Rolled into a new window: close the predecessor now instead
			// of waiting for the next sweep tick.
			if _, err := m.CloseDue(ctx); err != nil {
				m.log.Warn("close sweep after rollover failed", "error", err)
			}
		}
	}

	if !chunk.State.Writable() {
		return notWritableErr(chunkStart, chunk.State)
	}
	return nil
}

// CloseDue transitions every open chunk whose window has fully passed to
// CLOSED. Returns the number of chunks closed.
func (m *Manager) CloseDue(ctx context.Context) (int, error) {
	open, err := m.meta.ListChunksByState(ctx, types.ChunkOpen)
	if err != nil {
		return 0, fmt.Errorf("list open chunks: %w", err)
	}

	nowMs := m.nowFunc().UnixMilli()
	closed := 0
	for _, c := range open {
		if c.EndMs > nowMs {
			continue
		}

		err := m.meta.TransitionChunk(ctx, c.StartMs, types.ChunkOpen, types.ChunkClosed)
		if err != nil {
			if errors.Is(err, errors.ErrConcurrentModification) {
				continue
			}
			return closed, err
		}

		m.mu.Lock()
		m.states[c.StartMs] = types.ChunkClosed
		m.mu.Unlock()
		m.closedCount.Add(1)
		closed++

		rows := m.mem.ChunkPointCount(c.StartMs)
		if err := m.meta.UpdateChunkCounters(ctx, c.StartMs, rows, 0); err != nil {
			m.log.Warn("update counters after close failed", "chunk", c.Label(), "error", err)
		}
		m.log.Info("chunk closed", "chunk", c.Label(), "rows", rows)
	}
	return closed, nil
}

// SnapshotChunk returns the chunk's resident points sorted for the
// columnar rewrite.
func (m *Manager) SnapshotChunk(chunkStartMs int64) []types.Point {
	return m.mem.SnapshotChunk(chunkStartMs)
}

// QueryRange returns the resident points of one series in [startMs, endMs),
// sorted by timestamp.
func (m *Manager) QueryRange(tenantID, seriesKey string, startMs, endMs int64) []types.Point {
	return m.mem.QueryRange(tenantID, seriesKey, startMs, endMs)
}

// ResidentChunks returns the start offsets of chunks with resident points,
// ascending.
func (m *Manager) ResidentChunks() []int64 {
	return m.mem.ResidentChunks()
}

// MarkCompressed commits a compression run: swaps the chunk to COMPRESSED
// in the metastore and only then releases the in-memory representation.
// Returns the number of evicted points. On error nothing is evicted and
// the chunk remains CLOSED and queryable from memory.
func (m *Manager) MarkCompressed(ctx context.Context, startMs int64, filePath string, rowCount, byteSize int64, tenants map[string]int64) (int64, error) {
	if err := m.meta.MarkChunkCompressed(ctx, startMs, filePath, rowCount, byteSize, tenants); err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.states, startMs)
	m.mu.Unlock()

	return m.mem.DropChunk(startMs), nil
}

// Forget drops a chunk from the writable cache and the memstore without a
// state transition. Retention uses it after expiring a chunk.
func (m *Manager) Forget(startMs int64) int64 {
	m.mu.Lock()
	delete(m.states, startMs)
	m.mu.Unlock()
	return m.mem.DropChunk(startMs)
}

// Watermark returns the cached writable watermark in Unix ms. Timestamps
// below it are rejected as late writes.
func (m *Manager) Watermark() int64 {
	return m.watermark.Load()
}

// AdvanceWatermark raises the watermark, durably first, then in the cache.
// Lower or equal targets are no-ops.
func (m *Manager) AdvanceWatermark(ctx context.Context, toMs int64) error {
	if toMs <= m.watermark.Load() {
		return nil
	}
	if err := m.meta.AdvanceWatermark(ctx, toMs); err != nil {
		return err
	}
	for {
		cur := m.watermark.Load()
		if toMs <= cur || m.watermark.CompareAndSwap(cur, toMs) {
			break
		}
	}
	return nil
}

// OpenChunkStart returns the start of the current open chunk, if any.
func (m *Manager) OpenChunkStart() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for start, st := range m.states {
		if st == types.ChunkOpen {
			return start, true
		}
	}
	return 0, false
}

// Stats returns manager statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	writable := len(m.states)
	m.mu.Unlock()

	openStart, hasOpen := m.OpenChunkStart()

	return ManagerStats{
		OpenChunkStart: openStart,
		HasOpenChunk:   hasOpen,
		WritableChunks: writable,
		WatermarkMs:    m.watermark.Load(),
		ChunksCreated:  m.createdCount.Load(),
		ChunksClosed:   m.closedCount.Load(),
	}
}

// ManagerStats holds partition manager statistics.
type ManagerStats struct {
	OpenChunkStart int64
	HasOpenChunk   bool
	WritableChunks int
	WatermarkMs    int64
	ChunksCreated  int64
	ChunksClosed   int64
}

func notWritableErr(startMs int64, state types.ChunkState) error {
	return fmt.Errorf("chunk %d is %s: %w", startMs, state, errors.ErrChunkNotWritable)
}
