package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketComponents = []byte("components")
	bucketInstalls   = []byte("installs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketComponents,
			bucketInstalls,
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

// Component operations
func (s *BoltStore) SaveComponent(record *ComponentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.ID), data)
	})
}

func (s *BoltStore) GetComponent(id string) (*ComponentRecord, error) {
	var record ComponentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("component not found: %s", id)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListComponents() ([]*ComponentRecord, error) {
	var records []*ComponentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		return b.ForEach(func(k, v []byte) error {
			var record ComponentRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteComponent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComponents)
		return b.Delete([]byte(id))
	})
}

// Install operations
func installKey(name, version string) []byte {
	return []byte(name + "@" + version)
}

func (s *BoltStore) SaveInstall(record *InstallRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(installKey(record.Name, record.Version), data)
	})
}

func (s *BoltStore) GetInstall(name, version string) (*InstallRecord, error) {
	var record InstallRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		data := b.Get(installKey(name, version))
		if data == nil {
			return fmt.Errorf("install not found: %s@%s", name, version)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) ListInstalls() ([]*InstallRecord, error) {
	var records []*InstallRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		return b.ForEach(func(k, v []byte) error {
			var record InstallRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteInstall(name, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalls)
		return b.Delete(installKey(name, version))
	})
}
