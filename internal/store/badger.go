package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/signalsfoundry/overflow-control/internal/logging"
	"github.com/signalsfoundry/overflow-control/model"
)

// Key layout. Timestamps are zero-padded Unix nanoseconds so that
// lexicographic order equals time order.
const (
	prefixReading   = "r/" // r/<tank>/<ts>
	prefixLatest    = "l/" // l/<tank>
	prefixOutcome   = "o/" // o/<plan>/<ts>
	prefixConfirmed = "c/" // c/<tank>
	prefixValve     = "v/" // v/<valve>
	prefixCycle     = "y/" // y/<ts>/<cycle>
	prefixPending   = "u/" // u/<plan>, latest outcome while it has non-terminal commands
	keyLastOutcome  = "x/last-outcome"
)

// BadgerConfig holds configuration for the badger-backed store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string `yaml:"path"`
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`
	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
	// GCDiscardRatio is the minimum discardable ratio before GC rewrites a file.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// ApplyDefaults fills unset fields.
func (c *BadgerConfig) ApplyDefaults() {
	if c.GCDiscardRatio <= 0 {
		c.GCDiscardRatio = 0.5
	}
}

// BadgerStore is a StateStore on an embedded badger database.
type BadgerStore struct {
	db   *badger.DB
	log  logging.Logger
	stop chan struct{}
	done chan struct{}
}

// badgerLogger adapts logging.Logger to badger's logger interface.
type badgerLogger struct {
	log logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens (or creates) a badger-backed store.
func OpenBadger(cfg BadgerConfig, log logging.Logger) (*BadgerStore, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: log.With(logging.String("component", "badger"))})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, log: log, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn(context.Background(), "value log gc failed", logging.Err(err))
					}
					break
				}
			}
		}
	}
}

func tsKey(t time.Time) string { return fmt.Sprintf("%020d", t.UnixNano()) }

func putCBOR(txn *badger.Txn, key string, v any) error {
	raw, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), raw)
}

func getCBOR(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := item.Value(func(val []byte) error { return unmarshal(val, v) }); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) AppendTankReading(_ context.Context, st model.TankState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := putCBOR(txn, prefixReading+st.ID+"/"+tsKey(st.LastUpdated), st); err != nil {
			return err
		}
		var prev model.TankState
		found, err := getCBOR(txn, prefixLatest+st.ID, &prev)
		if err != nil {
			return err
		}
		if !found || st.LastUpdated.After(prev.LastUpdated) {
			return putCBOR(txn, prefixLatest+st.ID, st)
		}
		return nil
	})
}

func (s *BadgerStore) LatestTankStates(_ context.Context) (map[string]model.TankState, error) {
	out := make(map[string]model.TankState)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixLatest, false, 0, func(_ []byte, val []byte) error {
			var st model.TankState
			if err := unmarshal(val, &st); err != nil {
				return err
			}
			out[st.ID] = st
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) TankHistory(_ context.Context, tankID string, limit int) ([]model.TankState, error) {
	var out []model.TankState
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixReading+tankID+"/", true, limit, func(_ []byte, val []byte) error {
			var st model.TankState
			if err := unmarshal(val, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) AppendDispatchOutcome(_ context.Context, plan model.RedirectionPlan, o model.DispatchOutcome) error {
	rec := DispatchRecord{Plan: plan, Outcome: o}
	at := o.CompletedAt
	if at.IsZero() {
		at = o.StartedAt
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := putCBOR(txn, prefixOutcome+plan.PlanID+"/"+tsKey(at), rec); err != nil {
			return err
		}
		if err := putCBOR(txn, keyLastOutcome, rec); err != nil {
			return err
		}
		if unfinished(o) {
			if err := putCBOR(txn, prefixPending+plan.PlanID, rec); err != nil {
				return err
			}
		} else if err := txn.Delete([]byte(prefixPending + plan.PlanID)); err != nil {
			return fmt.Errorf("delete %s%s: %w", prefixPending, plan.PlanID, err)
		}
		applied, ok, positions := confirmedUpdates(plan, o)
		if ok {
			if err := putCBOR(txn, prefixConfirmed+plan.SourceTank, applied); err != nil {
				return err
			}
		}
		for valve, pct := range positions {
			if err := putCBOR(txn, prefixValve+valve, pct); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) LastConfirmedPlanFor(_ context.Context, tankID string) (model.RedirectionPlan, bool, error) {
	var p model.RedirectionPlan
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getCBOR(txn, prefixConfirmed+tankID, &p)
		return err
	})
	return p, found, err
}

func (s *BadgerStore) LastDispatchOutcome(_ context.Context) (model.RedirectionPlan, model.DispatchOutcome, bool, error) {
	var rec DispatchRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getCBOR(txn, keyLastOutcome, &rec)
		return err
	})
	return rec.Plan, rec.Outcome, found, err
}

func (s *BadgerStore) UnfinishedDispatches(_ context.Context) ([]DispatchRecord, error) {
	var out []DispatchRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixPending, false, 0, func(_ []byte, val []byte) error {
			var rec DispatchRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByStart(out)
	return out, nil
}

// OutcomesForPlan returns every record appended for planID, oldest first.
func (s *BadgerStore) OutcomesForPlan(_ context.Context, planID string) ([]model.DispatchOutcome, error) {
	var out []model.DispatchOutcome
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixOutcome+planID+"/", false, 0, func(_ []byte, val []byte) error {
			var rec DispatchRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec.Outcome)
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) ValvePositions(_ context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixValve, false, 0, func(key []byte, val []byte) error {
			var pct int
			if err := unmarshal(val, &pct); err != nil {
				return err
			}
			out[strings.TrimPrefix(string(key), prefixValve)] = pct
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) AppendCycleRecord(_ context.Context, r model.CycleRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putCBOR(txn, prefixCycle+tsKey(r.StartedAt)+"/"+r.CycleID, r)
	})
}

func (s *BadgerStore) RecentCycles(_ context.Context, limit int) ([]model.CycleRecord, error) {
	var out []model.CycleRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixCycle, true, limit, func(_ []byte, val []byte) error {
			var r model.CycleRecord
			if err := unmarshal(val, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// scan iterates keys under prefix, newest first when reverse is set, and
// stops after limit items when limit > 0.
func scan(txn *badger.Txn, prefix string, reverse bool, limit int, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append([]byte(prefix), 0xFF)
	}
	n := 0
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return nil
}
