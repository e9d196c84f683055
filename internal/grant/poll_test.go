package grant

import (
	"testing"
	"time"
)

func TestPollDecide_SlowDownThenPending(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	pc := PollController{Interval: 5 * time.Second, Now: clock}

	st := &PollState{
		Status:     StatusPending,
		LastAccess: now.Add(-2 * time.Second),
		ExpiresAt:  now.Add(10 * time.Minute),
	}

	// 2s desde el último acceso, intervalo 5s -> slow_down.
	if d := pc.Decide(st); d != DecisionSlowDown {
		t.Fatalf("want slow_down, got %v", d)
	}
	if !st.LastAccess.Equal(now) {
		t.Fatalf("last access must advance on every poll")
	}

	// 6s después -> authorization_pending.
	now = now.Add(6 * time.Second)
	if d := pc.Decide(st); d != DecisionPending {
		t.Fatalf("want pending, got %v", d)
	}
}

func TestPollDecide_SlidingWindow(t *testing.T) {
	// Polls consecutivos dentro del intervalo siguen dando slow_down:
	// la ventana desliza con cada intento.
	now := time.Unix(2000, 0)
	pc := PollController{Interval: 5 * time.Second, Now: func() time.Time { return now }}
	st := &PollState{Status: StatusPending, LastAccess: now, ExpiresAt: now.Add(time.Hour)}

	for i := 0; i < 4; i++ {
		now = now.Add(3 * time.Second)
		if d := pc.Decide(st); d != DecisionSlowDown {
			t.Fatalf("poll %d: want slow_down, got %v", i, d)
		}
	}
	now = now.Add(6 * time.Second)
	if d := pc.Decide(st); d != DecisionPending {
		t.Fatalf("want pending after waiting out the window, got %v", d)
	}
}

func TestPollDecide_DeniedAndExpired(t *testing.T) {
	now := time.Unix(3000, 0)
	pc := PollController{Interval: 5 * time.Second, Now: func() time.Time { return now }}

	denied := &PollState{Status: StatusDenied, LastAccess: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)}
	if d := pc.Decide(denied); d != DecisionDenied {
		t.Fatalf("want denied, got %v", d)
	}

	expired := &PollState{Status: StatusPending, LastAccess: now.Add(-time.Minute), ExpiresAt: now.Add(-time.Second)}
	if d := pc.Decide(expired); d != DecisionExpired {
		t.Fatalf("want expired, got %v", d)
	}
	if !expired.LastAccess.Equal(now) {
		t.Fatalf("last access advances even on expired")
	}
}

func TestPollDecide_FirstPollZeroLastAccess(t *testing.T) {
	// Registros sin LastAccess: el primer poll no debe dar slow_down.
	now := time.Unix(4000, 0)
	pc := PollController{Interval: 5 * time.Second, Now: func() time.Time { return now }}
	st := &PollState{Status: StatusPending, ExpiresAt: now.Add(time.Hour)}
	if d := pc.Decide(st); d != DecisionPending {
		t.Fatalf("first poll must pass, got %v", d)
	}
}
