package main

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/luxfi/rounds/pkg/archive"
	"github.com/luxfi/rounds/pkg/config"
	"github.com/luxfi/rounds/pkg/kvstore"
	"github.com/luxfi/rounds/pkg/logger"
	"github.com/luxfi/rounds/pkg/protocol"
	"github.com/luxfi/rounds/pkg/protocols/commitreveal"
	"github.com/luxfi/rounds/pkg/session"
	"github.com/luxfi/rounds/pkg/signing"
)

var errNoStorePassword = errors.New("store.password is not set (ROUNDS_STORE_PASSWORD)")

func openStore(cfg *config.Config) (*kvstore.Store, error) {
	if cfg.Store.Password == "" {
		return nil, errNoStorePassword
	}
	key, backupKey, err := kvstore.KeysFromPassword(cfg.Store.Password)
	if err != nil {
		return nil, err
	}
	store, err := kvstore.New(kvstore.Config{
		NodeID:    cfg.NodeName,
		Key:       key,
		BackupKey: backupKey,
		Dir:       cfg.Store.BackupDir,
		Path:      cfg.Store.Path,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to badger kv store", "path", cfg.Store.Path, "backup_dir", cfg.Store.BackupDir)
	return store, nil
}

// openArchiver returns nil when no S3 endpoint is configured.
func openArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	if !cfg.Archive.Enabled() {
		return nil, nil
	}
	return archive.New(ctx, cfg.NodeName, cfg.Archive)
}

type partyReport struct {
	params signing.Parameters
	report *session.Report
	// protocol defaults to commitreveal.Name.
	protocol string
}

// saveReports stores every report, uploads them when an archive is
// configured and finishes with one backup pass.
func saveReports(ctx context.Context, cfg *config.Config, reports map[protocol.PartyID]partyReport) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	archiver, err := openArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for id, pr := range reports {
		rec, err := pr.report.Record(pr.params)
		if err != nil {
			return err
		}
		stored := &kvstore.StoredReport{
			Protocol:  lo.Ternary(pr.protocol != "", pr.protocol, commitreveal.Name),
			Party:     string(id),
			Scheme:    cfg.Scheme,
			Hash:      pr.params.Hasher.Name(),
			Format:    pr.params.Format.Name(),
			CreatedAt: now,
			Record:    rec,
		}
		if err := store.SaveReport(stored); err != nil {
			return err
		}
		if archiver != nil {
			if err := archiver.UploadReport(ctx, stored); err != nil {
				logger.Error("Failed to archive report", err, "party", id.Short())
			}
		}
	}
	logger.Info("Reports saved", "count", len(reports))

	return archive.NewManager(store, archiver, cfg.Store.BackupPeriod).RunBackup(ctx)
}
