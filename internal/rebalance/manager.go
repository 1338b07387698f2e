package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/directory"
	"github.com/hupe1980/lire/internal/model"
	"github.com/hupe1980/lire/internal/posting"
	"github.com/hupe1980/lire/internal/resource"
	"github.com/hupe1980/lire/internal/router"
)

// ErrNotQuiescent is returned by Quiesce when size violations remain after
// the maximum number of rounds.
var ErrNotQuiescent = errors.New("rebalance: partitions did not converge")

const maxQuiesceRounds = 64

// Options configures a Manager.
type Options struct {
	Dim    int
	Metric distance.Metric

	// MinSize and MaxSize bound the live record count of a partition.
	MinSize int
	MaxSize int

	// ReassignFanout is the number of nearest partitions a record may live
	// in without being reassigned.
	ReassignFanout int
	// ReassignNeighbors is the number of partitions near a split whose
	// records are checked for reassignment.
	ReassignNeighbors int

	// Workers is the number of background goroutines.
	Workers int
	// MaxPending bounds the pending fixups. Excess fixups are dropped.
	MaxPending int

	// ScanInterval is the period of the drift scan. 0 disables it.
	ScanInterval time.Duration
	// ScanBatch is the number of partitions checked per scan tick.
	ScanBatch int

	// RetryAttempts is the number of retries of a failed fixup.
	RetryAttempts int
	// RetryBackoff is the initial delay between retries. It doubles.
	RetryBackoff time.Duration

	// KMeansIters bounds the 2-means iterations of a split.
	KMeansIters int
	Seed        int64

	Router    *router.Router
	Postings  *posting.Store
	Directory *directory.Directory
	Clock     *model.Clock
	Resources *resource.Controller

	// Barrier is held shared while a rewrite publishes, so a checkpoint
	// that holds it exclusively never captures half of a rewrite.
	Barrier *sync.RWMutex
	// Commit persists the index state after a structural change.
	Commit func(ctx context.Context) error
	// OnFixup is called after every applied fixup.
	OnFixup func(kind Kind, err error)

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ReassignFanout <= 0 {
		o.ReassignFanout = 4
	}
	if o.ReassignNeighbors <= 0 {
		o.ReassignNeighbors = 8
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 4096
	}
	if o.ScanBatch <= 0 {
		o.ScanBatch = 16
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Millisecond
	}
	if o.KMeansIters <= 0 {
		o.KMeansIters = 16
	}
	if o.Barrier == nil {
		o.Barrier = &sync.RWMutex{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Stats reports rebalancing activity.
type Stats struct {
	Splits      int64
	Merges      int64
	Compactions int64
	Reassigns   int64
	Failures    int64
	Dropped     int64
	Pending     int
}

// Manager applies fixups. All exported methods are safe for concurrent use.
type Manager struct {
	opts   Options
	dist   distance.Func
	logger *slog.Logger

	mu struct {
		sync.Mutex
		// Pending fixups map to the ticket they were queued with.
		partitions map[partitionKey]uint64
		vectors    map[model.ID]uint64
		ticket     uint64
		idle       chan struct{}     // closed when a fixup finishes
		cursor     model.PartitionID // next partition to scan
	}
	fixups    chan fixup
	limitHit  rate.Sometimes
	seq       atomic.Int64
	quiescing atomic.Int32 // the scan pauses while positive

	splits      atomic.Int64
	merges      atomic.Int64
	compactions atomic.Int64
	reassigns   atomic.Int64
	failures    atomic.Int64
	dropped     atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. Call Start to run background workers.
func New(opts Options) (*Manager, error) {
	opts.setDefaults()
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("rebalance: invalid dimension %d", opts.Dim)
	}
	if opts.MinSize < 0 || opts.MaxSize < 2 || opts.MinSize*3 > opts.MaxSize {
		return nil, fmt.Errorf("rebalance: invalid size bounds [%d, %d]", opts.MinSize, opts.MaxSize)
	}
	if opts.Router == nil || opts.Postings == nil || opts.Directory == nil || opts.Clock == nil {
		return nil, errors.New("rebalance: router, postings, directory and clock are required")
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		dist:     dist,
		logger:   opts.Logger,
		fixups:   make(chan fixup, opts.MaxPending),
		limitHit: rate.Sometimes{Interval: time.Second},
	}
	m.mu.partitions = make(map[partitionKey]uint64)
	m.mu.vectors = make(map[model.ID]uint64)
	return m, nil
}

// Start launches the workers and the drift scan. They run until Stop is
// called or ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	if m.opts.ScanInterval > 0 {
		m.wg.Add(1)
		go m.scanner(ctx)
	}
}

// Stop cancels the background goroutines and waits for them. Pending
// fixups stay queued.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Splits:      m.splits.Load(),
		Merges:      m.merges.Load(),
		Compactions: m.compactions.Load(),
		Reassigns:   m.reassigns.Load(),
		Failures:    m.failures.Load(),
		Dropped:     m.dropped.Load(),
		Pending:     m.Pending(),
	}
}

// Observe queues a split or merge of a partition whose size is out of
// bounds, and a compaction of a partition that is mostly garbage.
func (m *Manager) Observe(id model.PartitionID) {
	live, ok := m.opts.Postings.Live(id)
	if !ok {
		return
	}
	length, _ := m.opts.Postings.Length(id)
	switch {
	case live > int64(m.opts.MaxSize) || m.garbage(length, live):
		m.EnqueueSplit(id)
	case live < int64(m.opts.MinSize) && m.opts.Postings.Len() > 1:
		m.EnqueueMerge(id)
	}
}

// garbage reports whether more than half of a long posting is dead.
func (m *Manager) garbage(length uint64, live int64) bool {
	return length >= uint64(2*m.opts.MaxSize) && uint64(2*max(live, 0)) < length
}

// Quiesce queues every size violation and applies fixups until none remain.
// Fixups are also run on the calling goroutine, so it works without Start.
// The drift scan pauses meanwhile. Under concurrent writes that keep
// creating violations it gives up after maxQuiesceRounds with
// ErrNotQuiescent.
func (m *Manager) Quiesce(ctx context.Context) error {
	m.quiescing.Add(1)
	defer m.quiescing.Add(-1)

	for round := 0; round < maxQuiesceRounds; round++ {
		if m.enqueueViolations() == 0 && m.Pending() == 0 {
			return nil
		}
		if err := m.drain(ctx); err != nil {
			return err
		}
	}
	return ErrNotQuiescent
}

func (m *Manager) enqueueViolations() int {
	n := 0
	count := m.opts.Postings.Len()
	for _, id := range m.opts.Postings.IDs() {
		live, ok := m.opts.Postings.Live(id)
		if !ok {
			continue
		}
		switch {
		case live > int64(m.opts.MaxSize):
			m.EnqueueSplit(id)
			n++
		case live < int64(m.opts.MinSize) && count > 1:
			m.EnqueueMerge(id)
			n++
		}
	}
	return n
}

// commit persists a structural change. Failures are logged; the next
// checkpoint retries.
func (m *Manager) commit(ctx context.Context) {
	if m.opts.Commit == nil {
		return
	}
	if err := m.opts.Commit(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("rebalance: commit failed", "error", err)
	}
}

// acquireIO charges n posting entries against the IO limit.
func (m *Manager) acquireIO(ctx context.Context, entries uint64) error {
	return m.opts.Resources.AcquireIO(ctx, int(entries)*m.opts.Postings.EntrySize())
}
