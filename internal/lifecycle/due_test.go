package lifecycle

import (
	"testing"
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
)

func TestInitialAttemptDue(t *testing.T) {
	p := testPolicy()
	u := newUser(p, t0)
	due := *u.NextCheckinAt

	if p.InitialAttemptDue(u, due.Add(-time.Second)) {
		t.Error("due before next_checkin_at")
	}
	if !p.InitialAttemptDue(u, due) {
		t.Error("not due at next_checkin_at")
	}

	p.SendAttempt(u, due)
	if p.InitialAttemptDue(u, due.Add(time.Hour)) {
		t.Error("initial attempt due after one was sent")
	}
}

func TestFollowupAttemptDue(t *testing.T) {
	p := testPolicy()
	u := newUser(p, t0)

	if p.FollowupAttemptDue(u, t0.Add(1000*time.Hour)) {
		t.Error("followup due before any attempt")
	}

	sent := t0.Add(time.Hour)
	p.SendAttempt(u, sent)
	gap := p.EffectiveAttemptInterval(u)
	if p.FollowupAttemptDue(u, sent.Add(gap-time.Second)) {
		t.Error("followup due before the attempt interval")
	}
	if !p.FollowupAttemptDue(u, sent.Add(gap)) {
		t.Error("followup not due at the attempt interval")
	}

	// Exhaust attempts; nothing further is ever due.
	for u.CheckinAttemptsSent < p.EffectiveAttempts(u) {
		p.SendAttempt(u, sent)
	}
	if p.FollowupAttemptDue(u, sent.Add(100*gap)) {
		t.Error("followup due with attempts exhausted")
	}
	if p.NextAttemptDueAt(u) != nil {
		t.Error("next attempt time with attempts exhausted")
	}
}

func TestFollowupAttemptNotDueWhenPaused(t *testing.T) {
	p := testPolicy()
	u := &model.User{State: model.StatePaused, CheckinAttemptsSent: 1, LastCheckinAttemptAt: &t0}
	if p.FollowupAttemptDue(u, t0.Add(1000*time.Hour)) {
		t.Error("followup due for a paused user")
	}
}

func TestDeliveryDue(t *testing.T) {
	p := testPolicy()
	u := &model.User{State: model.StateCooldown, CooldownWarningSentAt: &t0}
	gap := p.EffectiveAttemptInterval(u)

	if p.DeliveryDue(u, t0.Add(gap-time.Second)) {
		t.Error("delivery due early")
	}
	if !p.DeliveryDue(u, t0.Add(gap)) {
		t.Error("delivery not due on time")
	}
	if at := p.DeliveryDueAt(u); !at.Equal(t0.Add(gap)) {
		t.Errorf("delivery due at = %v", at)
	}

	u.State = model.StateGrace
	if p.DeliveryDue(u, t0.Add(10*gap)) {
		t.Error("delivery due outside cooldown")
	}
}

// The canonical 24h / 3 attempts / 24h timeline, driven through the due
// predicates the way the scheduler drives them.
func TestTimeline(t *testing.T) {
	p := testPolicy()
	u := &model.User{
		CheckinIntervalHours:        intp(24),
		CheckinAttempts:             intp(3),
		CheckinAttemptIntervalHours: intp(24),
	}
	p.ConfirmCheckin(u, t0)
	if want := t0.Add(24 * time.Hour); !u.NextCheckinAt.Equal(want) {
		t.Fatalf("next checkin = %v, want %v", u.NextCheckinAt, want)
	}

	eps := time.Minute
	step := func(now time.Time) {
		switch {
		case p.InitialAttemptDue(u, now), p.FollowupAttemptDue(u, now):
			p.SendAttempt(u, now)
		case p.DeliveryDue(u, now):
			p.MarkDelivered(u, now)
		}
	}

	step(t0.Add(24*time.Hour + eps))
	if u.State != model.StateActive || u.CheckinAttemptsSent != 1 {
		t.Fatalf("t=24h: state=%q sent=%d", u.State, u.CheckinAttemptsSent)
	}
	step(t0.Add(48*time.Hour + eps))
	if u.State != model.StateGrace || u.CheckinAttemptsSent != 2 {
		t.Fatalf("t=48h: state=%q sent=%d", u.State, u.CheckinAttemptsSent)
	}
	at72 := t0.Add(72*time.Hour + eps)
	step(at72)
	if u.State != model.StateCooldown || u.CheckinAttemptsSent != 3 || !u.CooldownWarningSentAt.Equal(at72) {
		t.Fatalf("t=72h: state=%q sent=%d cooldown=%v", u.State, u.CheckinAttemptsSent, u.CooldownWarningSentAt)
	}
	step(t0.Add(96*time.Hour + eps))
	if u.State != model.StateDelivered {
		t.Fatalf("t=96h: state=%q, want delivered", u.State)
	}
}
