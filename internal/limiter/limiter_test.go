package limiter

import (
	"context"
	"testing"
	"time"
)

func TestMemory_LocksAfterMaxFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	m := NewMemory(time.Minute, 3, 10*time.Minute)
	m.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		blocked, _, err := m.Failure(ctx, "ada")
		if err != nil || blocked {
			t.Fatalf("failure %d: blocked=%v err=%v", i, blocked, err)
		}
	}
	blocked, dur, err := m.Failure(ctx, "ada")
	if err != nil || !blocked || dur != 10*time.Minute {
		t.Fatalf("third failure: blocked=%v dur=%v err=%v", blocked, dur, err)
	}

	ok, retry, _ := m.Allow(ctx, "ada")
	if ok || retry != 10*time.Minute {
		t.Fatalf("Allow while blocked: ok=%v retry=%v", ok, retry)
	}
	if ok, _, _ := m.Allow(ctx, "bob"); !ok {
		t.Fatalf("other users must not be blocked")
	}

	now = now.Add(11 * time.Minute)
	if ok, _, _ := m.Allow(ctx, "ada"); !ok {
		t.Fatalf("block must expire")
	}
}

func TestMemory_WindowResetsAndSuccessClears(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	m := NewMemory(time.Minute, 2, time.Minute)
	m.now = func() time.Time { return now }

	_, _, _ = m.Failure(ctx, "ada")
	now = now.Add(2 * time.Minute)
	if blocked, _, _ := m.Failure(ctx, "ada"); blocked {
		t.Fatalf("failures outside the window must not accumulate")
	}
	_ = m.Success(ctx, "ada")
	if blocked, _, _ := m.Failure(ctx, "ada"); blocked {
		t.Fatalf("success must reset the counter")
	}
}
