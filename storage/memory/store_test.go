package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestIncrementCounter_ConcurrentIsLinearizable(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	const goroutines = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.IncrementCounter(ctx, "shared-counter", time.Minute, 1); err != nil {
				t.Errorf("IncrementCounter: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetCounter(ctx, "shared-counter", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got != goroutines {
		t.Errorf("expected counter to reach exactly %d after %d concurrent increments, got %d", goroutines, goroutines, got)
	}
}

func TestCheckTokenBucket_ConcurrentStaysWithinCapacity(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	const capacity = 50
	const callers = 150
	now := time.Now()

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := s.CheckTokenBucket(ctx, "shared-bucket", capacity, 0, time.Minute, now)
			if err != nil {
				t.Errorf("CheckTokenBucket: %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != capacity {
		t.Errorf("expected exactly %d admitted draws from a %d-capacity bucket with zero refill across %d concurrent callers, got %d", capacity, capacity, callers, count)
	}
}

func TestCheckGCRA_ConcurrentAdmitsExactlyOneFromColdState(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	const callers = 200
	emissionInterval := time.Minute
	now := time.Now()

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			res, err := s.CheckGCRA(ctx, "shared-gcra", emissionInterval, 0, time.Minute, now)
			if err != nil {
				t.Errorf("CheckGCRA: %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 admitted request out of %d concurrent callers against a cold GCRA key, got %d", callers, count)
	}
}
