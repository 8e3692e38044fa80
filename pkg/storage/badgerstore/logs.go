package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"appfirewall/pkg/firewall"
	"appfirewall/pkg/storage"
)

const (
	keyGen = "nl/gen"
	keySeq = "nl/seq"
)

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func genPrefix(gen uint64) []byte {
	k := append([]byte("nl/"), be64(gen)...)
	return append(k, '/')
}

func sectionPrefix(gen uint64, section string) []byte {
	return append(genPrefix(gen), section...)
}

func recKey(gen, seq uint64) []byte {
	return append(sectionPrefix(gen, "r/"), be64(seq)...)
}

func idKey(gen uint64, id string) []byte {
	return append(sectionPrefix(gen, "i/"), id...)
}

func appPrefix(gen uint64, app string) []byte {
	k := append(sectionPrefix(gen, "a/"), app...)
	return append(k, 0)
}

func tsKey(gen uint64, ts time.Time, seq uint64) []byte {
	return append(append(sectionPrefix(gen, "t/"), be64(unixNano(ts))...), be64(seq)...)
}

// unixNano clamps pre-epoch instants to zero so they sort first.
func unixNano(ts time.Time) uint64 {
	n := ts.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// seqSuffix extracts the trailing big-endian sequence of an index key.
func seqSuffix(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func currentGen(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(keyGen))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var gen uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt generation value (%d bytes)", len(val))
		}
		gen = binary.BigEndian.Uint64(val)
		return nil
	})
	return gen, err
}

func loadRecord(txn *badger.Txn, gen, seq uint64) (firewall.ConnectionRecord, error) {
	var rec firewall.ConnectionRecord
	item, err := txn.Get(recKey(gen, seq))
	if err != nil {
		return rec, fmt.Errorf("load record %d: %w", seq, err)
	}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
}

// Append writes the record and its indexes in one transaction.
func (s *Store) Append(ctx context.Context, rec firewall.ConnectionRecord) error {
	release, err := s.acquire()
	if err != nil {
		return storage.Wrap("append", err)
	}
	defer release()

	if rec.ID == "" {
		return storage.Wrap("append", errors.New("record id is required"))
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return storage.Wrap("append", fmt.Errorf("encode record: %w", err))
	}
	seq, err := s.seq.Next()
	if err != nil {
		return storage.Wrap("append", fmt.Errorf("next sequence: %w", err))
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		if _, err := txn.Get(idKey(gen, rec.ID)); err == nil {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateID, rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(recKey(gen, seq), val); err != nil {
			return err
		}
		if err := txn.Set(idKey(gen, rec.ID), be64(seq)); err != nil {
			return err
		}
		if err := txn.Set(append(appPrefix(gen, rec.AppName), be64(seq)...), nil); err != nil {
			return err
		}
		return txn.Set(tsKey(gen, rec.Timestamp, seq), nil)
	})
	return storage.Wrap("append", err)
}

// QueryByApp returns an application's records in insertion order.
func (s *Store) QueryByApp(ctx context.Context, appName string) ([]firewall.ConnectionRecord, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, storage.Wrap("query by app", err)
	}
	defer release()

	out := []firewall.ConnectionRecord{}
	err = s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		prefix := appPrefix(gen, appName)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := loadRecord(txn, gen, seqSuffix(it.Item().Key()))
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap("query by app", err)
	}
	return out, nil
}

// QueryRange returns records with from <= Timestamp < to, oldest first.
func (s *Store) QueryRange(ctx context.Context, from, to time.Time) ([]firewall.ConnectionRecord, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, storage.Wrap("query range", err)
	}
	defer release()

	out := []firewall.ConnectionRecord{}
	if !from.Before(to) {
		return out, nil
	}
	upper := unixNano(to)
	err = s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		prefix := sectionPrefix(gen, "t/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(tsKey(gen, from, 0)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			ts := binary.BigEndian.Uint64(key[len(key)-16 : len(key)-8])
			if ts >= upper {
				break
			}
			rec, err := loadRecord(txn, gen, seqSuffix(key))
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap("query range", err)
	}
	return out, nil
}

// QueryAll returns the whole table in insertion order.
func (s *Store) QueryAll(ctx context.Context) ([]firewall.ConnectionRecord, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, storage.Wrap("query all", err)
	}
	defer release()

	out := []firewall.ConnectionRecord{}
	err = s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		prefix := sectionPrefix(gen, "r/")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec firewall.ConnectionRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap("query all", err)
	}
	return out, nil
}

// Count returns the number of records in the current generation.
func (s *Store) Count(ctx context.Context) (int, error) {
	release, err := s.acquire()
	if err != nil {
		return 0, storage.Wrap("count", err)
	}
	defer release()

	n := 0
	err = s.db.View(func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		prefix := sectionPrefix(gen, "r/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, storage.Wrap("count", err)
	}
	return n, nil
}

// ClearAll switches to a fresh generation and then drops the old keys.
func (s *Store) ClearAll(ctx context.Context) error {
	release, err := s.acquire()
	if err != nil {
		return storage.Wrap("clear all", err)
	}
	defer release()

	var old uint64
	err = s.update(ctx, func(txn *badger.Txn) error {
		gen, err := currentGen(txn)
		if err != nil {
			return err
		}
		old = gen
		return txn.Set([]byte(keyGen), be64(gen+1))
	})
	if err != nil {
		return storage.Wrap("clear all", err)
	}
	if err := s.db.DropPrefix(genPrefix(old)); err != nil {
		s.logger.Warn("drop cleared log generation", "generation", old, "error", err)
	}
	return nil
}
