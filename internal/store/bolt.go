package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/secrets"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketStatus     = []byte("status")
	bucketConnection = []byte("connection")
	bucketHistory    = []byte("history")
	bucketPlans      = []byte("plans")
)

// BoltStore is the bbolt-backed State Store. One file, four buckets, one
// per key family from the spec's permit:{id}:* scheme.
type BoltStore struct {
	db *bolt.DB
	sm *secrets.Manager
}

// NewBoltStore opens (creating if necessary) the bbolt database at path and
// ensures every bucket exists. sm, if non-nil, is used to encrypt stored
// connection info at rest; plans and status are left in plain JSON so the
// migration tool can read them without decrypting anything.
func NewBoltStore(path string, sm *secrets.Manager) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStatus, bucketConnection, bucketHistory, bucketPlans} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state store buckets: %w", err)
	}

	return &BoltStore{db: db, sm: sm}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SetStatus(permitID string, status domain.PermitStatus) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		if err := b.Put([]byte(permitID), []byte(status)); err != nil {
			return err
		}
		return s.appendHistoryLocked(tx, permitID, string(status))
	})
	if err != nil {
		return fmt.Errorf("failed to set status for permit %s: %w", permitID, err)
	}
	return nil
}

func (s *BoltStore) GetStatus(permitID string) (domain.PermitStatus, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		v := b.Get([]byte(permitID))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get status for permit %s: %w", permitID, err)
	}
	if value == nil {
		return "", false, nil
	}
	return domain.PermitStatus(value), true, nil
}

func (s *BoltStore) SetConnection(permitID string, info *domain.ConnectionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal connection info for permit %s: %w", permitID, err)
	}
	if s.sm != nil {
		data, err = s.sm.Encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt connection info for permit %s: %w", permitID, err)
		}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnection)
		return b.Put([]byte(permitID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to set connection for permit %s: %w", permitID, err)
	}
	return nil
}

func (s *BoltStore) GetConnection(permitID string) (*domain.ConnectionInfo, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnection)
		v := b.Get([]byte(permitID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection for permit %s: %w", permitID, err)
	}
	if data == nil {
		return nil, false, nil
	}
	if s.sm != nil {
		plain, err := s.sm.Decrypt(data)
		if err != nil {
			log.WithComponent("store").Warn().Err(err).Str("permit_id", permitID).
				Msg("stored connection info could not be decrypted, treating as absent")
			return nil, false, nil
		}
		data = plain
	}
	var info domain.ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		log.WithComponent("store").Warn().Err(err).Str("permit_id", permitID).
			Msg("stored connection info is invalid JSON, treating as absent")
		return nil, false, nil
	}
	return &info, true, nil
}

func (s *BoltStore) History(permitID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		v := b.Get([]byte(permitID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &entries)
	})
	if err != nil {
		log.WithComponent("store").Warn().Err(err).Str("permit_id", permitID).
			Msg("stored history is invalid JSON, treating as empty")
		return nil, nil
	}
	return entries, nil
}

// appendHistoryLocked pushes a new entry to the front of the permit's
// history list. Must be called from within an existing write transaction.
func (s *BoltStore) appendHistoryLocked(tx *bolt.Tx, permitID, status string) error {
	b := tx.Bucket(bucketHistory)
	var entries []HistoryEntry
	if v := b.Get([]byte(permitID)); v != nil {
		if err := json.Unmarshal(v, &entries); err != nil {
			log.WithComponent("store").Warn().Err(err).Str("permit_id", permitID).
				Msg("stored history is invalid JSON, resetting")
			entries = nil
		}
	}
	entries = append([]HistoryEntry{{Status: status, Timestamp: time.Now().UTC()}}, entries...)
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return b.Put([]byte(permitID), data)
}

func planKey(permitID string, stage domain.Stage) []byte {
	return []byte(fmt.Sprintf("%s:%s", permitID, stage))
}

func (s *BoltStore) SetPlan(permitID string, stage domain.Stage, plan *domain.WorkspacePlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan for permit %s stage %s: %w", permitID, stage, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		return b.Put(planKey(permitID, stage), data)
	})
	if err != nil {
		return fmt.Errorf("failed to set plan for permit %s stage %s: %w", permitID, stage, err)
	}
	return nil
}

func (s *BoltStore) GetPlan(permitID string, stage domain.Stage) (*domain.WorkspacePlan, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		v := b.Get(planKey(permitID, stage))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get plan for permit %s stage %s: %w", permitID, stage, err)
	}
	if data == nil {
		return nil, false, nil
	}
	var plan domain.WorkspacePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		log.WithComponent("store").Warn().Err(err).Str("permit_id", permitID).Str("stage", string(stage)).
			Msg("stored plan is invalid JSON, treating as absent")
		return nil, false, nil
	}
	if plan.SchemaVersion != domain.CurrentPlanSchemaVersion {
		log.WithComponent("store").Warn().Int("schema_version", plan.SchemaVersion).
			Str("permit_id", permitID).Str("stage", string(stage)).
			Msg("stored plan has an unsupported schema version, treating as absent")
		return nil, false, nil
	}
	return &plan, true, nil
}

func (s *BoltStore) DeletePlan(permitID string, stage domain.Stage) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		return b.Delete(planKey(permitID, stage))
	})
	if err != nil {
		return fmt.Errorf("failed to delete plan for permit %s stage %s: %w", permitID, stage, err)
	}
	return nil
}

func (s *BoltStore) ClearPermit(permitID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketStatus).Delete([]byte(permitID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConnection).Delete([]byte(permitID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHistory).Delete([]byte(permitID)); err != nil {
			return err
		}

		b := tx.Bucket(bucketPlans)
		c := b.Cursor()
		prefix := []byte(permitID + ":")
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
	if err != nil {
		return fmt.Errorf("failed to clear permit %s: %w", permitID, err)
	}
	return nil
}
