// Package chapterwriter gives a concrete implementation to the external
// chapter-writer collaborator named in spec.md §6: the component that
// asynchronously serializes a just-frozen open chapter to the volume.
//
// spec.md scopes the chapter writer's *internals* out of the core, but the
// core still needs to call make_chapter_writer / wait_for_idle_chapter_writer
// / memory_allocated against something concrete to be exercised by tests and
// the example binaries, the same way the teacher's genring rotation gives a
// concrete body to "what happens when a generation is retired".
package chapterwriter

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Voskan/dedupindex/internal/types"
	"github.com/Voskan/dedupindex/internal/volume"
)

// Job is a frozen chapter awaiting durable serialization.
type Job struct {
	VirtualChapter uint64
	Names          []types.ChunkName
}

// Writer owns a single background goroutine that drains a queue of frozen
// chapters into the volume, plus a small bounded cache of recently-frozen
// chapters so SearchRecentlyFrozen can answer membership queries for a
// chapter that has been queued but not yet durably written.
type Writer struct {
	vol    *volume.Volume
	logger *zap.Logger

	jobs    chan Job
	pending atomic.Int64
	idleMu  sync.Mutex
	idleCnd *sync.Cond

	recent *lru.Cache[uint64, []types.ChunkName]
	allocd atomic.Int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a chapter writer bound to vol, with a small recently-frozen
// ring of the given capacity (in chapters).
func New(vol *volume.Volume, recentCapacity int, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recentCapacity <= 0 {
		recentCapacity = 2
	}
	w := &Writer{
		vol:    vol,
		logger: logger,
		jobs:   make(chan Job, 64),
	}
	recent, err := lru.NewWithEvict[uint64, []types.ChunkName](recentCapacity, func(_ uint64, names []types.ChunkName) {
		w.allocd.Add(-int64(len(names) * types.MaxNameBytes))
	})
	if err != nil {
		return nil, err
	}
	w.recent = recent
	w.idleCnd = sync.NewCond(&w.idleMu)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Writer) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			w.handle(job)
		}
	}
}

func (w *Writer) handle(job Job) {
	if err := w.vol.WriteChapter(job.VirtualChapter, job.Names); err != nil {
		w.logger.Error("chapter writer: failed to persist chapter",
			zap.Uint64("virtual_chapter", job.VirtualChapter), zap.Error(err))
	}

	if w.pending.Add(-1) == 0 {
		w.idleMu.Lock()
		w.idleCnd.Broadcast()
		w.idleMu.Unlock()
	}
}

// Submit enqueues a frozen chapter for asynchronous persistence. The names
// enter the recent ring at once, so SearchRecentlyFrozen answers for the
// chapter before it is written. Every zone freezes the same virtual chapter,
// so a job for a chapter already in the ring is merged with the names held
// there and the merged set is what gets written.
func (w *Writer) Submit(job Job) {
	w.pending.Add(1)
	names := job.Names
	if prev, ok := w.recent.Peek(job.VirtualChapter); ok {
		names = append(append([]types.ChunkName(nil), prev...), job.Names...)
		w.allocd.Add(-int64(len(prev) * types.MaxNameBytes))
	}
	w.recent.Add(job.VirtualChapter, names)
	w.allocd.Add(int64(len(names) * types.MaxNameBytes))
	w.jobs <- Job{VirtualChapter: job.VirtualChapter, Names: names}
}

// WaitForIdle blocks until every submitted job has been persisted, matching
// wait_for_idle_chapter_writer's backpressure role at save time.
func (w *Writer) WaitForIdle() {
	w.idleMu.Lock()
	for w.pending.Load() > 0 {
		w.idleCnd.Wait()
	}
	w.idleMu.Unlock()
}

// SearchRecentlyFrozen reports whether name is present in a chapter that was
// frozen recently enough to still be in the writer's ring, without forcing
// a volume read. A miss here does not mean the name is absent from the
// volume — only that it isn't in the small recent ring.
func (w *Writer) SearchRecentlyFrozen(virtualChapter uint64, name types.ChunkName) bool {
	names, ok := w.recent.Get(virtualChapter)
	if !ok {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// MemoryAllocated approximates bytes held by the writer's in-flight and
// recently-frozen chapter buffers, folded into get_index_stats' MemoryUsed.
func (w *Writer) MemoryAllocated() int64 {
	return w.allocd.Load()
}

// Close stops the background goroutine. Pending jobs already enqueued are
// drained before the goroutine exits.
func (w *Writer) Close() {
	close(w.jobs)
	w.wg.Wait()
	w.cancel()
}
