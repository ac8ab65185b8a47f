package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"binance-signal-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// Key layout:
//
//	bot:<id>                    -> models.BotRecord
//	trade:<id>:<ts-nano>        -> models.Trade
//	indicator:<id>:<ts-nano>    -> models.IndicatorLog
//
// Timestamp-nano suffixes keep the append-only logs in insertion order
// under badger's lexicographic iteration.
type badgerStore struct {
	db  *badger.DB
	seq atomic.Int64 // tie-breaker for entries landing in the same nanosecond
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(path)
	// Badger's own logging is noise next to the app logs; DB errors still
	// surface through the API.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// NewInMemoryStore opens a throwaway in-memory store, used by tests.
func NewInMemoryStore() (Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func botKey(id string) []byte {
	return []byte("bot:" + id)
}

func (s *badgerStore) appendKey(prefix, botID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%020d%06d", prefix, botID, time.Now().UnixNano(), s.seq.Add(1)%1000000))
}

func (s *badgerStore) SaveBot(rec *models.BotRecord) error {
	if rec.Config.ID == "" {
		return errors.New("bot record has no id")
	}
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(botKey(rec.Config.ID), data)
	})
}

func (s *badgerStore) GetBot(id string) (*models.BotRecord, error) {
	var rec models.BotRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *badgerStore) ListBots() ([]models.BotRecord, error) {
	var records []models.BotRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("bot:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.BotRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *badgerStore) UpdateBot(id string, mutate func(rec *models.BotRecord) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return fmt.Errorf("loading bot %s: %w", id, err)
		}

		var rec models.BotRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		if err := mutate(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now()

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(botKey(id), data)
	})
}

func (s *badgerStore) AppendTrade(trade *models.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	key := s.appendKey("trade", trade.BotID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *badgerStore) ListTrades(botID string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.scanReverse("trade", botID, limit, func(val []byte) error {
		var t models.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		trades = append(trades, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (s *badgerStore) AppendIndicatorLog(entry *models.IndicatorLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := s.appendKey("indicator", entry.BotID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *badgerStore) ListIndicatorLogs(botID string, limit int) ([]models.IndicatorLog, error) {
	var entries []models.IndicatorLog
	err := s.scanReverse("indicator", botID, limit, func(val []byte) error {
		var e models.IndicatorLog
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// scanReverse walks one bot's append-only log newest-first.
func (s *badgerStore) scanReverse(prefix, botID string, limit int, visit func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		keyPrefix := []byte(prefix + ":" + botID + ":")
		// Reverse iteration starts just past the last key of the prefix.
		seekKey := append(append([]byte{}, keyPrefix...), 0xFF)

		count := 0
		for it.Seek(seekKey); it.ValidForPrefix(keyPrefix); it.Next() {
			if limit > 0 && count >= limit {
				break
			}
			if err := it.Item().Value(visit); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
