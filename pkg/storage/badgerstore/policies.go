package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"appfirewall/pkg/firewall"
	"appfirewall/pkg/storage"
)

func policyRowKey(id string) []byte { return []byte("ap/row/" + id) }

func policyActiveKey(app string) []byte { return []byte("ap/active/" + app) }

func policyAppPrefix(app string) []byte { return []byte("ap/app/" + app + "\x00") }

func getPolicyRow(txn *badger.Txn, id string) (*firewall.Policy, error) {
	item, err := txn.Get(policyRowKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p firewall.Policy
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	return &p, nil
}

func putPolicyRow(txn *badger.Txn, p firewall.Policy) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy %s: %w", p.ID, err)
	}
	if err := txn.Set(policyRowKey(p.ID), val); err != nil {
		return err
	}
	return txn.Set(append(policyAppPrefix(p.AppName), p.ID...), nil)
}

func activePolicyID(txn *badger.Txn, app string) (string, error) {
	item, err := txn.Get(policyActiveKey(app))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// Upsert stores p and keeps at most one active row per application. The
// active pointer is read inside the transaction, so two concurrent upserts
// for one app conflict and the loser retries against the winner's state.
func (s *Store) Upsert(ctx context.Context, p firewall.Policy) (firewall.Policy, error) {
	release, err := s.acquire()
	if err != nil {
		return firewall.Policy{}, storage.Wrap("upsert policy", err)
	}
	defer release()

	p = p.Normalize()
	if p.AppName == "" {
		return firewall.Policy{}, storage.Wrap("upsert policy", errors.New("app name is required"))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		prev, err := getPolicyRow(txn, p.ID)
		if err != nil {
			return err
		}
		if prev != nil && prev.AppName != p.AppName {
			// the row moved to another app: detach it from the old one
			if err := txn.Delete(append(policyAppPrefix(prev.AppName), p.ID...)); err != nil {
				return err
			}
			if id, err := activePolicyID(txn, prev.AppName); err != nil {
				return err
			} else if id == p.ID {
				if err := txn.Delete(policyActiveKey(prev.AppName)); err != nil {
					return err
				}
			}
		}

		activeID, err := activePolicyID(txn, p.AppName)
		if err != nil {
			return err
		}
		switch {
		case p.IsActive:
			if activeID != "" && activeID != p.ID {
				old, err := getPolicyRow(txn, activeID)
				if err != nil {
					return err
				}
				if old != nil {
					old.IsActive = false
					if err := putPolicyRow(txn, *old); err != nil {
						return err
					}
				}
			}
			if err := txn.Set(policyActiveKey(p.AppName), []byte(p.ID)); err != nil {
				return err
			}
		case activeID == p.ID:
			if err := txn.Delete(policyActiveKey(p.AppName)); err != nil {
				return err
			}
		}
		return putPolicyRow(txn, p)
	})
	if err != nil {
		return firewall.Policy{}, storage.Wrap("upsert policy", err)
	}
	return p, nil
}

// GetActivePolicy returns the app's active policy or nil when none exists.
func (s *Store) GetActivePolicy(ctx context.Context, appName string) (*firewall.Policy, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, storage.Wrap("get active policy", err)
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("get active policy", err)
	}

	var out *firewall.Policy
	err = s.db.View(func(txn *badger.Txn) error {
		id, err := activePolicyID(txn, appName)
		if err != nil || id == "" {
			return err
		}
		out, err = getPolicyRow(txn, id)
		return err
	})
	if err != nil {
		return nil, storage.Wrap("get active policy", err)
	}
	return out, nil
}

// PolicyHistory lists every row stored for the app, active row first.
func (s *Store) PolicyHistory(ctx context.Context, appName string) ([]firewall.Policy, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, storage.Wrap("policy history", err)
	}
	defer release()

	out := []firewall.Policy{}
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := policyAppPrefix(appName)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			p, err := getPolicyRow(txn, id)
			if err != nil {
				return err
			}
			if p != nil {
				out = append(out, *p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap("policy history", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsActive && !out[j].IsActive })
	return out, nil
}
