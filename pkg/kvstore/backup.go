package kvstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/luxfi/rounds/pkg/logger"
)

const (
	magic            = "LUX_ROUNDS_BACKUP"
	defaultBackupDir = "./backups"
	versionFileName  = "latest.version"
	maxPendingWrites = 256
)

// BackupMeta holds metadata for an encrypted backup file.
type BackupMeta struct {
	Algo            string `json:"algo"`              // AES-256-GCM
	NonceB64        string `json:"nonce_b64"`         // base64 nonce
	CreatedAt       string `json:"created_at"`        // RFC3339
	Since           uint64 `json:"since"`             // input watermark
	NextSince       uint64 `json:"next_since"`        // output watermark
	EncryptionKeyID string `json:"encryption_key_id"` // sha256(key) prefix
}

// BackupVersion tracks the incremental backup state.
type BackupVersion struct {
	Version   uint64 `json:"version"`
	Since     uint64 `json:"since"`
	UpdatedAt string `json:"updated_at"` // RFC3339
}

// Backup writes encrypted incremental badger backups to Dir.
type Backup struct {
	NodeID string
	DB     *badger.DB
	Key    []byte
	Dir    string
}

// NewBackup creates a backup executor. If dir is empty, ./backups is used.
func NewBackup(nodeID string, db *badger.DB, key []byte, dir string) (*Backup, error) {
	if dir == "" {
		dir = defaultBackupDir
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Backup{
		NodeID: nodeID,
		DB:     db,
		Key:    key,
		Dir:    dir,
	}, nil
}

// Execute writes everything changed since the previous backup. Nothing is
// written when nothing changed.
func (b *Backup) Execute() error {
	info, err := b.LoadVersionInfo()
	if err != nil {
		return fmt.Errorf("failed to load version info: %w", err)
	}

	since := info.Since
	version := info.Version + 1
	now := time.Now()
	filename := fmt.Sprintf("backup-%s-%s-%d.enc", b.NodeID, now.Format("2006-01-02_15-04-05"), version)
	outPath, err := safeJoin(b.Dir, filename)
	if err != nil {
		return err
	}

	var plain bytes.Buffer
	maxVersion, err := b.DB.Backup(&plain, since)
	if err != nil {
		return err
	}

	if plain.Len() == 0 {
		logger.Debug("No changes since last backup, skipping", "since", since)
		return nil
	}
	// badger includes entries at exactly since, so resume one past the last.
	nextSince := maxVersion + 1

	ct, nonce, err := seal(b.Key, plain.Bytes())
	if err != nil {
		return err
	}

	meta := BackupMeta{
		Algo:            "AES-256-GCM",
		NonceB64:        base64.StdEncoding.EncodeToString(nonce),
		CreatedAt:       now.Format(time.RFC3339),
		Since:           since,
		NextSince:       nextSince,
		EncryptionKeyID: fmt.Sprintf("%x", sha256.Sum256(b.Key))[:16],
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if len(metaJSON) > math.MaxUint32 {
		return fmt.Errorf("metaJSON too large")
	}

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(magic)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(metaJSON))); err != nil {
		return err
	}
	if _, err := f.Write(metaJSON); err != nil {
		return err
	}
	if _, err := f.Write(ct); err != nil {
		return err
	}

	logger.Info("Encrypted backup written", "file", filename, "version", version)
	if err := b.SaveVersionInfo(version, nextSince); err != nil {
		logger.Warn("Failed to save backup version", "err", err)
	}
	return nil
}

func (b *Backup) SaveVersionInfo(counter, since uint64) error {
	info := BackupVersion{
		Version:   counter,
		Since:     since,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, versionFileName), data, 0600)
}

func (b *Backup) LoadVersionInfo() (BackupVersion, error) {
	var info BackupVersion
	data, err := os.ReadFile(filepath.Join(b.Dir, versionFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BackupVersion{UpdatedAt: time.Now().Format(time.RFC3339)}, nil
		}
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// SortedEncryptedBackups lists backup files oldest first.
func (b *Backup) SortedEncryptedBackups() []string {
	files, _ := filepath.Glob(filepath.Join(b.Dir, "backup-*.enc"))
	sort.Slice(files, func(i, j int) bool {
		return backupVersion(files[i]) < backupVersion(files[j])
	})
	return files
}

// backupVersion extracts the trailing counter from a backup file name.
func backupVersion(path string) uint64 {
	name := strings.TrimSuffix(filepath.Base(path), ".enc")
	v, err := strconv.ParseUint(name[strings.LastIndex(name, "-")+1:], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// RestoreAllBackupsEncrypted decrypts and loads every backup into a new
// database at restorePath, encrypted at rest with encryptionKey.
func (b *Backup) RestoreAllBackupsEncrypted(restorePath string, encryptionKey []byte) error {
	if err := os.MkdirAll(restorePath, 0700); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}

	db, err := badger.Open(badgerOptions(restorePath, encryptionKey))
	if err != nil {
		return err
	}

	for _, file := range b.SortedEncryptedBackups() {
		logger.Info("Restoring backup", "file", filepath.Base(file))
		if err := b.loadEncryptedBackup(db, file); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				logger.Error("Failed to close restore database", closeErr)
			}
			return err
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close restore database: %w", err)
	}
	logger.Info("Restore complete", "path", restorePath)
	return nil
}

func (b *Backup) readBackup(path string) (BackupMeta, []byte, error) {
	var meta BackupMeta
	f, err := os.Open(path)
	if err != nil {
		return meta, nil, err
	}
	defer f.Close()

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(f, magicBuf); err != nil {
		return meta, nil, err
	}
	if string(magicBuf) != magic {
		return meta, nil, fmt.Errorf("bad magic")
	}

	var metaLen uint32
	if err := binary.Read(f, binary.BigEndian, &metaLen); err != nil {
		return meta, nil, err
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaBuf); err != nil {
		return meta, nil, err
	}
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return meta, nil, err
	}
	ct, err := io.ReadAll(f)
	return meta, ct, err
}

func (b *Backup) loadEncryptedBackup(db *badger.DB, path string) error {
	meta, ct, err := b.readBackup(path)
	if err != nil {
		return err
	}
	nonce, err := base64.StdEncoding.DecodeString(meta.NonceB64)
	if err != nil {
		return err
	}
	plain, err := open(b.Key, nonce, ct)
	if err != nil {
		return err
	}
	return db.Load(bytes.NewReader(plain), maxPendingWrites)
}
