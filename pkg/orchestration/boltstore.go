package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/imagemeta/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var instancesBucket = []byte("instances")

// BoltStore persists instances as JSON records in a bbolt file.
// Each checkpoint is a single read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the instance database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	slog.Info("instance_store_open", "path", path)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		slog.Error("instance_store_open_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to open instance store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(instancesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create instances bucket")
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create(ctx context.Context, inst *Instance) error {
	if err := inst.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "failed to encode instance")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b.Get([]byte(inst.ID)) != nil {
			return fmt.Errorf("instance %s: %w", inst.ID, ErrExists)
		}
		return b.Put([]byte(inst.ID), data)
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Instance, error) {
	var inst *Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(instancesBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		var err error
		inst, err = decodeInstance(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *BoltStore) Checkpoint(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "failed to encode instance")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		raw := b.Get([]byte(inst.ID))
		if raw == nil {
			return fmt.Errorf("instance %s: %w", inst.ID, ErrNotFound)
		}
		prev, err := decodeInstance(raw)
		if err != nil {
			return err
		}
		if err := checkTransition(prev, inst); err != nil {
			return err
		}
		return b.Put([]byte(inst.ID), data)
	})
}

func (s *BoltStore) List(ctx context.Context) ([]*Instance, error) {
	return s.scan(func(*Instance) bool { return true })
}

func (s *BoltStore) ListRunning(ctx context.Context) ([]*Instance, error) {
	return s.scan(func(i *Instance) bool { return i.Status == StatusRunning })
}

func (s *BoltStore) scan(keep func(*Instance) bool) ([]*Instance, error) {
	var out []*Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			inst, err := decodeInstance(v)
			if err != nil {
				slog.Warn("instance_store_skip_corrupt", "id", string(k), "error", err)
				return nil
			}
			if keep(inst) {
				out = append(out, inst)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan instances")
	}
	sortInstances(out)
	return out, nil
}

func decodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, errors.Wrap(err, "failed to decode instance")
	}
	return &inst, nil
}
