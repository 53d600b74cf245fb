package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBufferSize   = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Migrate creates or updates the usage table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("failed to auto migrate usage records: %w", err)
	}
	return nil
}

type write struct {
	provider string
	keyIndex int
	day      string
	count    int
}

// Store writes usage counters to the database asynchronously: enqueues on
// the Acquire/Report path, a single writer goroutine upserts in the
// background, and Close drains the queue on graceful shutdown.
//
// Counts are absolute, so a dropped intermediate write is repaired by the
// next write for the same key and day.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	mirror *Mirror

	mu        sync.Mutex
	closed    bool
	ch        chan write
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMirror attaches a Redis mirror that receives every upserted count.
func WithMirror(m *Mirror) StoreOption {
	return func(s *Store) {
		s.mirror = m
	}
}

// NewStore creates a Store and starts its writer goroutine. The table must
// already be migrated (see Migrate).
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: zap.NewNop(),
		ch:     make(chan write, defaultBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Record enqueues an absolute counter value. Implements keypool.UsageSink.
// Never blocks the caller: when the buffer is full the write is dropped and
// the next one for the same key repairs the row. After Close, writes are
// dropped instead of enqueued.
func (s *Store) Record(provider string, keyIndex int, day time.Time, requestCount int) {
	w := write{
		provider: provider,
		keyIndex: keyIndex,
		day:      day.UTC().Format(dayFormat),
		count:    requestCount,
	}

	// The enqueue stays under the mutex so a concurrent Close cannot close
	// the channel between the flag check and the send.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("usage store closed, dropping write",
			zap.String("provider", provider),
			zap.Int("key_index", keyIndex))
		return
	}

	select {
	case s.ch <- w:
	default:
		s.logger.Warn("usage write buffer full, dropping write",
			zap.String("provider", provider),
			zap.Int("key_index", keyIndex))
	}
}

func (s *Store) run() {
	defer s.wg.Done()
	for w := range s.ch {
		s.upsert(w)
	}
}

func (s *Store) upsert(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	rec := Record{
		Provider:     w.provider,
		KeyIndex:     w.keyIndex,
		Day:          w.day,
		RequestCount: w.count,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"}, {Name: "key_index"}, {Name: "day"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"request_count", "updated_at"}),
	}).Create(&rec).Error

	if err != nil {
		s.logger.Error("failed to upsert usage record",
			zap.String("provider", w.provider),
			zap.Int("key_index", w.keyIndex),
			zap.String("day", w.day),
			zap.Error(err))
	}

	if s.mirror != nil {
		if err := s.mirror.Set(ctx, w.provider, w.keyIndex, w.day, w.count); err != nil {
			s.logger.Warn("failed to mirror usage record",
				zap.String("provider", w.provider),
				zap.Int("key_index", w.keyIndex),
				zap.Error(err))
		}
	}
}

// LoadDay returns the persisted counts for one UTC day, keyed by provider
// and key index. Used at startup to seed the in-memory pools.
func (s *Store) LoadDay(ctx context.Context, day time.Time) (map[string]map[int]int, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("day = ?", day.UTC().Format(dayFormat)).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load usage records: %w", err)
	}

	out := make(map[string]map[int]int)
	for _, rec := range records {
		if out[rec.Provider] == nil {
			out[rec.Provider] = make(map[int]int)
		}
		out[rec.Provider][rec.KeyIndex] = rec.RequestCount
	}
	return out, nil
}

// Close drains pending writes and stops the writer. Safe to call more than
// once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}
