// Package backup takes encrypted SQLite snapshots and keeps them in
// S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/metrics"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
)

// s3Client is the subset of the S3 API the manager uses.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var ErrDisabled = errors.New("backup not configured")

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Manager snapshots the database once a day at the configured hour and
// prunes snapshots past retention.
type Manager struct {
	mu     sync.RWMutex
	run    sync.Mutex
	cfg    config.BackupConfig
	status Status
	// lastDay is the UTC date of the last scheduled run.
	lastDay string

	db      *sqlx.DB
	backups *store.BackupStore
	client  s3Client

	clock  clockwork.Clock
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager returns a manager that is disabled unless storage credentials
// and a passphrase are configured and the database is SQLite.
func NewManager(cfg config.Config, db *sqlx.DB, clock clockwork.Clock, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg.Backup,
		status:  Status{State: StateDisabled},
		db:      db,
		backups: store.NewBackupStore(db),
		clock:   clock,
		logger:  logger.With("component", "backup"),
	}
	if cfg.BackupEnabled() && cfg.Database.Driver == "sqlite" {
		m.client = newS3Client(cfg.Backup)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg config.BackupConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start checks the schedule every minute until Stop. A disabled manager
// does not start.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := m.clock.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.checkSchedule(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// checkSchedule runs at most one backup per UTC day, in the configured hour.
func (m *Manager) checkSchedule(ctx context.Context) {
	now := m.clock.Now().UTC()
	day := now.Format(time.DateOnly)

	m.mu.Lock()
	due := now.Hour() == m.cfg.ScheduleHour && m.lastDay != day
	if due {
		m.lastDay = day
	}
	m.mu.Unlock()
	if !due {
		return
	}

	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "error", err)
	}
}

// RunNow snapshots the database, encrypts the snapshot, and uploads it.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return nil, ErrDisabled
	}

	m.run.Lock()
	defer m.run.Unlock()

	b, err := m.runBackup(ctx, client)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues("ok").Inc()
	m.setStatus(Status{State: StateIdle, LastBackup: b.CompletedAt})
	m.logger.Info("backup completed", "backup_id", b.ID, "object_key", b.ObjectKey, "size_bytes", b.SizeBytes)
	return b, nil
}

func (m *Manager) runBackup(ctx context.Context, client s3Client) (*model.Backup, error) {
	m.setStatus(Status{State: StateRunning})

	now := m.clock.Now().UTC()
	filename := fmt.Sprintf("lastsignal-%s.db.enc", now.Format("2006-01-02T150405Z"))
	key := "backups/" + filename

	record, err := m.backups.Create(ctx, filename, key, now)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*model.Backup, error) {
		if uerr := m.backups.UpdateStatus(ctx, record.ID, model.BackupStatusFailed, err.Error()); uerr != nil {
			m.logger.Warn("mark backup failed", "backup_id", record.ID, "error", uerr)
		}
		return nil, err
	}

	dir, err := os.MkdirTemp("", "lastsignal-backup-")
	if err != nil {
		return fail(fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return fail(fmt.Errorf("snapshot database: %w", err))
	}
	plaintext, err := os.ReadFile(snapshot)
	if err != nil {
		return fail(fmt.Errorf("read snapshot: %w", err))
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return fail(fmt.Errorf("encrypt: %w", err))
	}

	if err := m.backups.UpdateStatus(ctx, record.ID, model.BackupStatusUploading, ""); err != nil {
		return fail(err)
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail(fmt.Errorf("upload to s3: %w", err))
	}

	done := m.clock.Now().UTC()
	if err := m.backups.UpdateCompleted(ctx, record.ID, int64(len(sealed)), done); err != nil {
		return nil, err
	}
	record.Status = model.BackupStatusCompleted
	record.SizeBytes = int64(len(sealed))
	record.CompletedAt = &done
	return record, nil
}

// Download streams an encrypted backup from storage.
func (m *Manager) Download(ctx context.Context, backupID int64) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return nil, 0, ErrDisabled
	}

	record, err := m.backups.GetByID(ctx, backupID)
	if err != nil {
		return nil, 0, err
	}
	if record == nil || record.Status != model.BackupStatusCompleted {
		return nil, 0, fmt.Errorf("backup %d not found", backupID)
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(record.ObjectKey),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("download from s3: %w", err)
	}
	return result.Body, record.SizeBytes, nil
}

// Restore downloads and decrypts a backup, checks its integrity, and
// writes it to dstPath. The caller swaps it in while the service is down.
func (m *Manager) Restore(ctx context.Context, backupID int64, dstPath string) error {
	body, _, err := m.Download(ctx, backupID)
	if err != nil {
		return err
	}
	defer body.Close()

	sealed, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dstPath + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dstPath + "-wal")
	os.Remove(dstPath + "-shm")

	m.logger.Info("backup restored", "backup_id", backupID, "path", dstPath)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.GetContext(ctx, &result, `PRAGMA integrity_check`); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Cleanup deletes backups older than the retention period from the
// database and from storage.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil || m.cfg.RetentionDays <= 0 {
		return nil
	}

	before := m.clock.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	keys, err := m.backups.DeleteOlderThan(ctx, before)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object failed", "object_key", key, "error", err)
		}
	}
	return nil
}
