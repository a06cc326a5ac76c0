package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

var (
	// Bucket names
	bucketWorkflows = []byte("workflows")
	bucketEvents    = []byte("workflow_events")
	bucketChannels  = []byte("notification_channels")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "powerdaemon.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkflows,
			bucketEvents,
			bucketChannels,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Workflow operations

func (s *BoltStore) CreateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if b.Get([]byte(wf.ID)) != nil {
			return errdefs.InvalidStatef("workflow already exists: %s", wf.ID)
		}
		wf.Revision = 1
		data, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put([]byte(wf.ID), data)
	})
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFoundf("workflow not found: %s", id)
		}
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows(filter types.WorkflowFilter) ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			if filter.Status != "" && wf.Status != filter.Status {
				return nil
			}
			if filter.Strategy != "" && wf.Strategy != filter.Strategy {
				return nil
			}
			if filter.ServiceName != "" && wf.ServiceName != filter.ServiceName {
				return nil
			}
			workflows = append(workflows, &wf)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Newest first
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(workflows) {
			return nil, nil
		}
		workflows = workflows[filter.Offset:]
	}
	if filter.Limit > 0 && len(workflows) > filter.Limit {
		workflows = workflows[:filter.Limit]
	}
	return workflows, nil
}

// UpdateWorkflow writes wf back and bumps its revision. The write is
// rejected when the stored revision no longer matches.
func (s *BoltStore) UpdateWorkflow(wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		data := b.Get([]byte(wf.ID))
		if data == nil {
			return errdefs.NotFoundf("workflow not found: %s", wf.ID)
		}
		var current types.Workflow
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Revision != wf.Revision {
			return errdefs.InvalidStatef("workflow %s modified concurrently: revision %d, expected %d",
				wf.ID, current.Revision, wf.Revision)
		}
		wf.Revision++
		out, err := json.Marshal(wf)
		if err != nil {
			return err
		}
		return b.Put([]byte(wf.ID), out)
	})
}

func (s *BoltStore) DeleteWorkflow(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		return b.Delete([]byte(id))
	})
}

// Event operations. Keys are "{workflowID}/{seq}" with a zero-padded
// monotonic sequence so a prefix scan returns events in append order.

func eventPrefix(workflowID string) []byte {
	return []byte(workflowID + "/")
}

func (s *BoltStore) AppendEvent(event *types.WorkflowEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", event.WorkflowID, seq)
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListEvents(workflowID string) ([]*types.WorkflowEvent, error) {
	var events []*types.WorkflowEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		prefix := eventPrefix(workflowID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var event types.WorkflowEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BoltStore) DeleteEvents(workflowID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		prefix := eventPrefix(workflowID)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Notification channel operations

func (s *BoltStore) CreateChannel(ch *types.NotificationChannel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return b.Put([]byte(ch.ID), data)
	})
}

func (s *BoltStore) GetChannel(id string) (*types.NotificationChannel, error) {
	var ch types.NotificationChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFoundf("channel not found: %s", id)
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStore) GetChannelByName(name string) (*types.NotificationChannel, error) {
	var found *types.NotificationChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		return b.ForEach(func(k, v []byte) error {
			var ch types.NotificationChannel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			if ch.Name == name {
				found = &ch
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFoundf("channel not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListChannels() ([]*types.NotificationChannel, error) {
	var channels []*types.NotificationChannel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		return b.ForEach(func(k, v []byte) error {
			var ch types.NotificationChannel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			channels = append(channels, &ch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *BoltStore) UpdateChannel(ch *types.NotificationChannel) error {
	return s.CreateChannel(ch) // Same as create (upsert)
}

func (s *BoltStore) DeleteChannel(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		return b.Delete([]byte(id))
	})
}
