// Package kvstore persists session reports and evidence in an encrypted
// badger database with encrypted incremental backups.
package kvstore

import (
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"

	"github.com/luxfi/rounds/pkg/logger"
)

var (
	ErrNotFound                       = errors.New("kvstore: key not found")
	ErrEncryptionKeyNotProvided       = errors.New("encryption key not provided")
	ErrBackupEncryptionKeyNotProvided = errors.New("backup encryption key not provided")
)

// Store is a key/value store backed by badger.
type Store struct {
	DB   *badger.DB
	Exec *Backup
}

// Config holds configuration for opening a Store.
type Config struct {
	NodeID string
	// Key encrypts the database at rest. 16, 24 or 32 bytes.
	Key []byte
	// BackupKey encrypts backup files. 16, 24 or 32 bytes.
	BackupKey []byte
	// Dir is where backups are written.
	Dir  string
	Path string
}

// KeysFromPassword derives separate database and backup keys from one
// operator password.
func KeysFromPassword(password string) (key, backupKey []byte, err error) {
	if password == "" {
		return nil, nil, ErrEncryptionKeyNotProvided
	}
	key = make([]byte, 32)
	backupKey = make([]byte, 32)
	blake3.DeriveKey("rounds kvstore 2025 database key", []byte(password), key)
	blake3.DeriveKey("rounds kvstore 2025 backup key", []byte(password), backupKey)
	return key, backupKey, nil
}

func badgerOptions(path string, key []byte) badger.Options {
	return badger.DefaultOptions(path).
		WithEncryptionKey(key).
		WithIndexCacheSize(16 << 20).
		WithLogger(nil)
}

// New opens the database at config.Path, creating it if needed.
func New(config Config) (*Store, error) {
	if len(config.Key) == 0 {
		return nil, ErrEncryptionKeyNotProvided
	}
	if len(config.BackupKey) == 0 {
		return nil, ErrBackupEncryptionKeyNotProvided
	}

	db, err := badger.Open(badgerOptions(config.Path, config.Key))
	if err != nil {
		return nil, err
	}

	logger.Info("Opened badger store", "path", config.Path)

	exec, err := NewBackup(config.NodeID, db, config.BackupKey, config.Dir)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{DB: db, Exec: exec}, nil
}

func (s *Store) Put(key string, value []byte) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns ErrNotFound for a missing key.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Keys lists all keys starting with prefix, in order.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (s *Store) Delete(key string) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *Store) Backup() error {
	if s.Exec == nil {
		return errors.New("backup executor is not initialized")
	}
	return s.Exec.Execute()
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func joinKey(parts ...string) string {
	return strings.Join(parts, "/")
}
