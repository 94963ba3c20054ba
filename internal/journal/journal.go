package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
)

const runPrefix = "run:"

var ErrNoRun = errors.New("no run recorded for zone")

type Journal interface {
	Save(ctx context.Context, run Run) error
	Last(ctx context.Context, zone string) (Run, error)
	All(ctx context.Context) ([]Run, error)
	Close() error
}

type badgerJournal struct {
	db      *badger.DB
	metrics *metrics.Metrics
}

func New(path string, metrics *metrics.Metrics) (Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &badgerJournal{db: db, metrics: metrics}, nil
}

func (j *badgerJournal) Save(ctx context.Context, run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		j.metrics.IncJournalRequest("update", false)
		return fmt.Errorf("encode run: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+run.Zone), data)
	})
	j.metrics.IncJournalRequest("update", err == nil)
	return err
}

func (j *badgerJournal) Last(ctx context.Context, zone string) (Run, error) {
	var run Run
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + zone))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		j.metrics.IncJournalRequest("read", true)
		return Run{}, fmt.Errorf("%w: %s", ErrNoRun, zone)
	}
	j.metrics.IncJournalRequest("read", err == nil)
	return run, err
}

// All returns the latest run of every zone, ordered by zone.
func (j *badgerJournal) All(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var run Run
				if err := json.Unmarshal(val, &run); err != nil {
					return err
				}
				runs = append(runs, run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	j.metrics.IncJournalRequest("list", err == nil)
	sort.Slice(runs, func(a, b int) bool { return runs[a].Zone < runs[b].Zone })
	return runs, err
}

func (j *badgerJournal) Close() error {
	return j.db.Close()
}
