package checkin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/dukerupert/lastsignal/internal/config"
	"github.com/dukerupert/lastsignal/internal/database"
	"github.com/dukerupert/lastsignal/internal/email"
	"github.com/dukerupert/lastsignal/internal/model"
	"github.com/dukerupert/lastsignal/internal/store"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
)

func intp(n int) *int { return &n }

type fakeMailer struct {
	mu   sync.Mutex
	sent []email.Message
}

func (f *fakeMailer) Send(_ context.Context, m email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

// of returns the messages of kind sent so far.
func (f *fakeMailer) of(kind email.Kind) []email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []email.Message
	for _, m := range f.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// last returns the token of the most recent message of kind.
func (f *fakeMailer) last(t *testing.T, kind email.Kind) string {
	t.Helper()
	msgs := f.of(kind)
	if len(msgs) == 0 {
		t.Fatalf("no %s mail sent", kind)
	}
	return msgs[len(msgs)-1].Params[email.ParamToken]
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (f *fakeAuditor) Log(_ context.Context, ev model.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeAuditor) count(action model.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Action == action {
			n++
		}
	}
	return n
}

type fakeDispatcher struct {
	mu    sync.Mutex
	users []int64
	fails int // calls to fail before succeeding
}

func (f *fakeDispatcher) Dispatch(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if f.fails > 0 {
		f.fails--
		return errors.New("recipient store unavailable")
	}
	return nil
}

type fixture struct {
	db         *sqlx.DB
	clock      *clockwork.FakeClock
	mailer     *fakeMailer
	auditor    *fakeAuditor
	dispatcher *fakeDispatcher
	users      *store.UserStore
	svc        *Service
	sched      *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	f := &fixture{
		db:         db,
		clock:      clockwork.NewFakeClockAt(t0),
		mailer:     &fakeMailer{},
		auditor:    &fakeAuditor{},
		dispatcher: &fakeDispatcher{},
		users:      store.NewUserStore(db),
	}
	logger := slog.Default()
	f.svc = NewService(db, cfg, f.mailer, f.auditor, f.clock, logger)
	f.sched = NewScheduler(db, cfg, f.mailer, f.auditor, f.dispatcher, f.clock, logger)
	return f
}

// createUser registers a user on a 24h/3/24h schedule.
func (f *fixture) createUser(t *testing.T, addr string) *model.User {
	t.Helper()
	u, _, err := f.svc.CreateUser(ctx, addr, Settings{IntervalHours: intp(24), Attempts: intp(3), AttemptIntervalHours: intp(24)})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// addRecipient invites, accepts, and addresses one message to a recipient,
// giving the user a deliverable message set.
func (f *fixture) addRecipient(t *testing.T, userID int64, addr string) *model.Recipient {
	t.Helper()
	r, err := f.svc.InviteRecipient(ctx, userID, addr, "")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	raw := f.mailer.last(t, email.KindRecipientInvite)
	key := model.RecipientKey{PublicKeyB64u: "pk", KDFSaltB64u: "salt", KDFParams: `{"alg":"argon2id"}`}
	if _, out, err := f.svc.AcceptInvite(ctx, raw, key); err != nil || out != OutcomeApplied {
		t.Fatalf("accept invite: %v %v", out, err)
	}
	_, err = store.NewMessageStore(f.db).CreateMessage(ctx,
		&model.Message{UserID: userID, Label: "letter", CiphertextB64u: "ct", NonceB64u: "n", AEADAlgo: "xchacha20poly1305"},
		[]model.Envelope{{RecipientID: r.ID, EncryptedMsgKeyB64u: "k", EnvelopeAlgo: "x25519"}}, f.clock.Now())
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return r
}

func (f *fixture) get(t *testing.T, id int64) *model.User {
	t.Helper()
	u, err := f.users.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u == nil {
		t.Fatalf("user %d not found", id)
	}
	return u
}

func (f *fixture) run(t *testing.T) Report {
	t.Helper()
	r, err := f.sched.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if r.Errors != 0 {
		t.Fatalf("run had %d user errors", r.Errors)
	}
	return r
}
