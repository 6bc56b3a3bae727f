package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no checkers should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestCheckAllPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Name: "rpc", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "rpc" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestOneFailingProbeFlipsAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Name: "rpc", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("detail = %q", statuses[1].Detail)
	}
}

func TestProbesRunConcurrently(t *testing.T) {
	r := NewRegistry()
	const n = 4
	for i := 0; i < n; i++ {
		r.Register("slow", func(ctx context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Name: "slow", Healthy: true}
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	elapsed := time.Since(start)

	if !healthy {
		t.Fatal("expected healthy")
	}
	// Sequential execution would take n*50ms.
	if elapsed > time.Duration(n)*50*time.Millisecond {
		t.Fatalf("probes appear to run sequentially: %v", elapsed)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("probe", func(_ context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
