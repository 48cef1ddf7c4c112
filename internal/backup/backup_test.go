package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/database"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 4, 10, 3, 0, 0, 0, time.UTC)
)

// mockS3Client keeps objects in memory.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func enabledConfig() config.Config {
	cfg := config.Default()
	cfg.Backup.Bucket = "lastsignal"
	cfg.Backup.AccessKey = "key"
	cfg.Backup.SecretKey = "secret"
	cfg.Backup.Passphrase = "correct horse battery staple"
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *mockS3Client, *sqlx.DB, *clockwork.FakeClock) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	m := NewManager(enabledConfig(), db, clock, slog.Default())
	mock := newMockS3()
	m.client = mock
	return m, mock, db, clock
}

func TestNewManagerState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	if m := NewManager(config.Default(), nil, clock, slog.Default()); m.Status().State != StateDisabled {
		t.Errorf("state = %q, want disabled without credentials", m.Status().State)
	}

	cfg := enabledConfig()
	if m := NewManager(cfg, nil, clock, slog.Default()); m.Status().State != StateIdle {
		t.Errorf("state = %q, want idle", m.Status().State)
	}

	cfg.Database.Driver = "postgres"
	if m := NewManager(cfg, nil, clock, slog.Default()); m.Status().State != StateDisabled {
		t.Errorf("state = %q, want disabled for postgres", m.Status().State)
	}
}

func TestRunNowAndRestore(t *testing.T) {
	m, mock, db, _ := newTestManager(t)

	if _, err := store.NewUserStore(db).Create(ctx, &model.User{Email: "alice@example.com"}, t0); err != nil {
		t.Fatalf("create user: %v", err)
	}

	b, err := m.RunNow(ctx)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if b.ObjectKey != "backups/lastsignal-2026-04-10T030000Z.db.enc" {
		t.Errorf("object key = %q", b.ObjectKey)
	}
	if m.Status().State != StateIdle || m.Status().LastBackup == nil {
		t.Errorf("status = %+v", m.Status())
	}
	stored, err := store.NewBackupStore(db).GetByID(ctx, b.ID)
	if err != nil || stored == nil {
		t.Fatalf("get backup: %v", err)
	}
	if stored.Status != model.BackupStatusCompleted || stored.SizeBytes != int64(len(mock.objects[b.ObjectKey])) {
		t.Errorf("stored backup = %+v", stored)
	}
	if bytes.Contains(mock.objects[b.ObjectKey], []byte("alice@example.com")) {
		t.Error("uploaded object is not encrypted")
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(ctx, b.ID, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored, err := sqlx.Open("sqlite", dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var email string
	if err := restored.Get(&email, `SELECT email FROM users`); err != nil {
		t.Fatalf("query restored: %v", err)
	}
	if email != "alice@example.com" {
		t.Errorf("restored email = %q", email)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	b, err := m.RunNow(ctx)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	m.cfg.Passphrase = "wrong"
	if err := m.Restore(ctx, b.ID, filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
}

func TestRunNowUploadFailure(t *testing.T) {
	m, mock, db, _ := newTestManager(t)
	mock.putErr = errors.New("bucket gone")

	if _, err := m.RunNow(ctx); err == nil {
		t.Fatal("expected error")
	}
	if m.Status().State != StateError {
		t.Errorf("state = %q, want error", m.Status().State)
	}
	list, err := store.NewBackupStore(db).List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.BackupStatusFailed || list[0].ErrorMessage == "" {
		t.Errorf("backups = %+v", list)
	}
}

func TestRunNowDisabled(t *testing.T) {
	m := NewManager(config.Default(), nil, clockwork.NewFakeClock(), slog.Default())
	if _, err := m.RunNow(ctx); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		t.Errorf("cleanup on disabled manager: %v", err)
	}
}

func TestScheduleRunsOncePerDay(t *testing.T) {
	m, mock, _, clock := newTestManager(t)

	m.checkSchedule(ctx)
	clock.Advance(time.Minute)
	m.checkSchedule(ctx)
	if n := len(mock.keys()); n != 1 {
		t.Fatalf("objects after first hour = %d, want 1", n)
	}

	clock.Advance(2 * time.Hour)
	m.checkSchedule(ctx)
	if n := len(mock.keys()); n != 1 {
		t.Errorf("objects outside schedule hour = %d, want 1", n)
	}

	clock.Advance(22 * time.Hour)
	m.checkSchedule(ctx)
	if n := len(mock.keys()); n != 2 {
		t.Errorf("objects next day = %d, want 2", n)
	}
}

func TestCleanupRemovesExpiredObjects(t *testing.T) {
	m, mock, _, clock := newTestManager(t)

	old, err := m.RunNow(ctx)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	clock.Advance(31 * 24 * time.Hour)
	recent, err := m.RunNow(ctx)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	keys := mock.keys()
	if len(keys) != 1 || keys[0] != recent.ObjectKey {
		t.Errorf("keys = %v, want only %s (old %s)", keys, recent.ObjectKey, old.ObjectKey)
	}
}

func TestStartStop(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.Start(ctx)
	m.Stop()
	m.Stop()

	disabled := NewManager(config.Default(), nil, clockwork.NewFakeClock(), slog.Default())
	disabled.Start(ctx)
	disabled.Stop()
}
