package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/agentswarm/pkg/errs"
	"github.com/cuemby/agentswarm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents          = []byte("agents")
	bucketTasks           = []byte("tasks")
	bucketSwarms          = []byte("swarms")
	bucketScalingActions  = []byte("scaling_actions")
	bucketScalingPolicies = []byte("scaling_policies")
	bucketMemoryEntries   = []byte("memory_entries")
	bucketMetricsSamples  = []byte("metrics_samples")
)

const currentPolicyKey = "current"

// BoltStore implements Store on an embedded go.etcd.io/bbolt database,
// one bucket per entity kind, each record JSON-encoded and keyed by id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database at
// dataPath and ensures every entity-kind bucket exists.
func NewBoltStore(dataPath string) (*BoltStore, error) {
	if err := ensureDir(dataPath); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dataPath, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents, bucketTasks, bucketSwarms,
			bucketScalingActions, bucketScalingPolicies,
			bucketMemoryEntries, bucketMetricsSamples,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Fatal, errs.CodeStorageError, err, "initialize buckets")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutAgent(a *types.Agent) error {
	return s.put(bucketAgents, a.ID, a)
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var a types.Agent
	if err := s.get(bucketAgents, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAgents(filter types.AgentFilter) ([]*types.Agent, error) {
	var out []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(_, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if filter.Match(&a) {
				out = append(out, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "list agents")
	}
	return out, nil
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.delete(bucketAgents, id)
}

func (s *BoltStore) PutTask(t *types.Task) error {
	return s.put(bucketTasks, t.ID, t)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	if err := s.get(bucketTasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks(filter types.TaskFilter) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if filter.Match(&t) {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "list tasks")
	}
	return out, nil
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.delete(bucketTasks, id)
}

func (s *BoltStore) PutSwarm(sw *types.Swarm) error {
	return s.put(bucketSwarms, sw.ID, sw)
}

func (s *BoltStore) GetSwarm(id string) (*types.Swarm, error) {
	var sw types.Swarm
	if err := s.get(bucketSwarms, id, &sw); err != nil {
		return nil, err
	}
	return &sw, nil
}

func (s *BoltStore) ListSwarms() ([]*types.Swarm, error) {
	var out []*types.Swarm
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwarms)
		return b.ForEach(func(_, v []byte) error {
			var sw types.Swarm
			if err := json.Unmarshal(v, &sw); err != nil {
				return err
			}
			out = append(out, &sw)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "list swarms")
	}
	return out, nil
}

func (s *BoltStore) DeleteSwarm(id string) error {
	return s.delete(bucketSwarms, id)
}

// PutScalingAction upserts by id; the scaling-action lifecycle in C6
// writes an `in_progress` record then updates it to `completed`/`failed` in
// place, so this is "append if new, update if in flight" rather than a
// pure insert-only log.
func (s *BoltStore) PutScalingAction(a *types.ScalingAction) error {
	return s.put(bucketScalingActions, a.ID, a)
}

func (s *BoltStore) ListScalingActions(limit int) ([]*types.ScalingAction, error) {
	var out []*types.ScalingAction
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScalingActions)
		return b.ForEach(func(_, v []byte) error {
			var a types.ScalingAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "list scaling actions")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BoltStore) PutScalingPolicy(p *types.ScalingPolicy) error {
	if err := s.put(bucketScalingPolicies, currentPolicyKey, p); err != nil {
		return err
	}
	return s.put(bucketScalingPolicies, p.ID, p)
}

func (s *BoltStore) GetCurrentPolicy() (*types.ScalingPolicy, error) {
	var p types.ScalingPolicy
	if err := s.get(bucketScalingPolicies, currentPolicyKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) PutMemoryEntry(e *types.MemoryEntry) error {
	return s.put(bucketMemoryEntries, e.Key, e)
}

func (s *BoltStore) GetMemoryEntry(key string) (*types.MemoryEntry, error) {
	var e types.MemoryEntry
	if err := s.get(bucketMemoryEntries, key, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) QueryMemoryEntries(tags []string) ([]*types.MemoryEntry, error) {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}

	var out []*types.MemoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemoryEntries)
		return b.ForEach(func(_, v []byte) error {
			var e types.MemoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if len(want) == 0 || hasAnyTag(e.Tags, want) {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "query memory entries")
	}
	return out, nil
}

func hasAnyTag(tags []string, want map[string]bool) bool {
	for _, t := range tags {
		if want[t] {
			return true
		}
	}
	return false
}

func (s *BoltStore) DeleteMemoryEntry(key string) error {
	return s.delete(bucketMemoryEntries, key)
}

func (s *BoltStore) PutMetricsSample(sample *types.MetricsSample) error {
	key := sample.TS.Format("20060102150405.000000000")
	return s.put(bucketMetricsSamples, key, sample)
}

func (s *BoltStore) ListMetricsSamples(limit int) ([]*types.MetricsSample, error) {
	var out []*types.MetricsSample
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetricsSamples)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var sample types.MetricsSample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			out = append(out, &sample)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transient, errs.CodeStorageError, err, "list metrics samples")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Invalid, errs.CodeStorageError, err, "marshal record")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return errs.Wrap(errs.Transient, errs.CodeStorageError, err, "write record")
	}
	return nil
}

func (s *BoltStore) get(bucket []byte, key string, out any) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errs.NotFoundf("%s", key)
		}
		return json.Unmarshal(data, out)
	})
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return err
		}
		return errs.Wrap(errs.Transient, errs.CodeStorageError, err, "read record")
	}
	return nil
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return errs.Wrap(errs.Transient, errs.CodeStorageError, err, "delete record")
	}
	return nil
}

func ensureDir(dataPath string) error {
	dir := filepath.Dir(dataPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0700)
}
