// Package fills persists applied fills in a WAL so a run's trading
// activity survives the process and can be replayed for reconciliation.
package fills

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultFillDir   = "./wal/fills"
	fillSegmentLimit = 1000
	fillMaxSegments  = 100
	fillKeyPrefix    = "fill_"
)

// Fill is one executed order leg as applied to the portfolio.
type Fill struct {
	ID     string    `json:"id"`
	Pair   string    `json:"pair"`
	Side   string    `json:"side"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

// Record is a Fill together with its WAL position.
type Record struct {
	Index uint64
	Fill  Fill
}

// WALStore is an append-only journal of fills.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens (or creates) the fill journal under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultFillDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "fill_",
		SegmentThreshold: fillSegmentLimit,
		MaxSegments:      fillMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init fill WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends one fill. A missing id is generated; callers set Pair.
func (s *WALStore) Save(fill Fill) error {
	if s == nil || s.wal == nil {
		return errors.New("fill store is not initialized")
	}
	if fill.Pair == "" {
		return errors.New("fill pair is required")
	}
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}

	payload, err := json.Marshal(fill)
	if err != nil {
		return errors.Wrap(err, "marshal fill")
	}

	key := fillKeyPrefix + fill.Pair

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// FillsAfter returns all fills written after the provided WAL index.
func (s *WALStore) FillsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("fill store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, fillKeyPrefix) {
			continue
		}

		var fill Fill
		if err := json.Unmarshal(payload, &fill); err != nil {
			return nil, errors.Wrapf(err, "unmarshal fill at index %d", idx)
		}
		records = append(records, Record{Index: idx, Fill: fill})
	}

	return records, nil
}

// Close releases the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
