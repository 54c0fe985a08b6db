package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Exactly one of N racing accepts for the same request may succeed. The losers
// observe the transition as ErrNotPending.
func TestConcurrentAcceptSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})
	mustAddAdmin(t, svc, "tg:100", RoleAdmin, 3)
	if _, err := svc.RequestChat(ctx, "u1", "", "tg:100"); err != nil {
		t.Fatalf("RequestChat() error = %v", err)
	}

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Accept(ctx, "tg:100", "u1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotPending):
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent Accept wins = %d, want exactly 1", wins)
	}
	if adminID, ok := svc.BindingFor("u1"); !ok || adminID != "tg:100" {
		t.Fatalf("BindingFor(u1) = %q, %v", adminID, ok)
	}
}

// Racing accepts against distinct pending requests never push an admin past
// its capacity.
func TestConcurrentAcceptsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})
	mustAddAdmin(t, svc, "tg:100", RoleAdmin, 2)

	const users = 6
	for i := 0; i < users; i++ {
		if _, err := svc.RequestChat(ctx, fmt.Sprintf("u%d", i), "", "tg:100"); err != nil {
			t.Fatalf("RequestChat(u%d) error = %v", i, err)
		}
	}

	errs := make([]error, users)
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Accept(ctx, "tg:100", fmt.Sprintf("u%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAdminAtCapacity):
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if wins != 2 {
		t.Fatalf("accepted = %d, want exactly the capacity of 2", wins)
	}
	admin, _ := svc.GetAdmin("tg:100")
	if len(admin.BoundUsers) != 2 {
		t.Fatalf("BoundUsers = %v, want 2 entries", admin.BoundUsers)
	}
}

// A sweep racing an accept of an already-expired request resolves by status
// observation: the request ends up either accepted-and-bound or removed, never
// half of each.
func TestSweepRacesAccept(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		clock := newFakeClock(time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))
		dir := filepath.Join(t.TempDir(), "pairing")
		svc, err := NewService(ctx, NewFileStore(dir), Options{Now: clock.Now})
		if err != nil {
			t.Fatalf("NewService() error = %v", err)
		}
		mustAddAdmin(t, svc, "tg:100", RoleAdmin, 3)
		if _, err := svc.RequestChat(ctx, "u1", "", "tg:100"); err != nil {
			t.Fatalf("RequestChat() error = %v", err)
		}
		clock.Advance(25 * time.Hour)

		var wg sync.WaitGroup
		var acceptErr, sweepErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			acceptErr = svc.Accept(ctx, "tg:100", "u1")
		}()
		go func() {
			defer wg.Done()
			_, sweepErr = svc.ExpirySweep(ctx, 24*time.Hour)
		}()
		wg.Wait()

		if sweepErr != nil {
			t.Fatalf("ExpirySweep() error = %v", sweepErr)
		}
		_, bound := svc.BindingFor("u1")
		switch {
		case acceptErr == nil:
			if !bound {
				t.Fatal("Accept won the race but no binding exists")
			}
		case errors.Is(acceptErr, ErrNotFound):
			if bound {
				t.Fatal("sweep removed the request but a binding exists")
			}
		default:
			t.Fatalf("Accept() error = %v", acceptErr)
		}

		// Either outcome must reload cleanly.
		if _, err := NewService(ctx, NewFileStore(dir), Options{Now: clock.Now}); err != nil {
			t.Fatalf("NewService(reload) error = %v", err)
		}
	}
}
