package audit

import (
	"context"
	"testing"
	"time"
)

func TestWriterFlushesOnCancel(t *testing.T) {
	repo := setupRepo(t)
	w := NewWriter(repo, 4, nil)

	for _, tag := range []string{"boiler", "solar", "pool"} {
		if !w.Record(&AuditLog{Action: ActionCreate, EntityType: EntityViaTag, EntityID: tag, Source: SourceAPI}) {
			t.Fatalf("Record(%s) dropped", tag)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 {
		t.Errorf("written = %d, want 3 after flush", res.Total)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := NewWriter(setupRepo(t), 1, nil)

	if !w.Record(&AuditLog{Action: ActionInject, EntityType: EntityBus, Source: SourceMQTT}) {
		t.Fatal("first Record() dropped")
	}
	if w.Record(&AuditLog{Action: ActionInject, EntityType: EntityBus, Source: SourceMQTT}) {
		t.Error("second Record() accepted with a full queue")
	}
	if w.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", w.Dropped())
	}
}

func TestWriterRunsUntilCancelled(t *testing.T) {
	repo := setupRepo(t)
	w := NewWriter(repo, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Record(&AuditLog{Action: ActionDelete, EntityType: EntityViaTag, EntityID: "boiler", Source: SourceAPI})
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := repo.List(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if res.Total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry not written while running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
