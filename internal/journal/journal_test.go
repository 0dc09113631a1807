package journal

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskdelegate/internal/domain"
	"taskdelegate/internal/messaging/inproc"
	"taskdelegate/internal/store/sqlite"
)

type memorySink struct {
	mu     sync.Mutex
	events []domain.Event
	failOn domain.EventType
}

func (m *memorySink) Record(_ context.Context, evt domain.Event) error {
	if evt.Type == m.failOn {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memorySink) types() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventType, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt.Type)
	}
	return out
}

func TestJournalRecordsInOrderAndFlushesOnStop(t *testing.T) {
	bus := inproc.New(16)
	sink := &memorySink{}
	j := New(bus, sink, 16, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)

	want := []domain.EventType{
		domain.EventTaskScheduled,
		domain.EventTaskAssigned,
		domain.EventTaskStarted,
		domain.EventTaskCompleted,
	}
	for _, typ := range want {
		if err := bus.Publish(domain.Event{Type: typ, TaskID: "t1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	cancel()
	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("journal did not stop")
	}

	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("recorded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recorded %v, want %v", got, want)
		}
	}
	if j.Recorded() != int64(len(want)) {
		t.Fatalf("recorded count=%d", j.Recorded())
	}
	if err := bus.Publish(domain.Event{Type: domain.EventTaskFailed}); err != nil {
		t.Fatalf("journal should be unsubscribed after stop: %v", err)
	}
}

func TestJournalSurvivesSinkErrors(t *testing.T) {
	bus := inproc.New(16)
	sink := &memorySink{failOn: domain.EventTaskFailed}
	j := New(bus, sink, 0, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	_ = bus.Publish(domain.Event{Type: domain.EventTaskFailed, TaskID: "t1"})
	_ = bus.Publish(domain.Event{Type: domain.EventTaskScheduled, TaskID: "t2"})

	deadline := time.Now().Add(2 * time.Second)
	for j.Recorded()+j.Failed() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-j.Done()

	if j.Failed() != 1 || j.Recorded() != 1 {
		t.Fatalf("failed=%d recorded=%d", j.Failed(), j.Recorded())
	}
}

func TestJournalWritesToSQLite(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := inproc.New(16)
	j := New(bus, store, 16, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)

	agent := domain.Agent{ID: "a1", Name: "worker", Status: domain.AgentStatusIdle, MaxConcurrentTasks: 1}
	_ = bus.Publish(domain.Event{Type: domain.EventAgentRegistered, AgentID: "a1", Agent: &agent})
	_ = bus.Publish(domain.Event{Type: domain.EventGroupCancelled, GroupID: "g1"})
	cancel()
	<-j.Done()

	n, err := store.CountEvents(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	if _, err := store.GetAgent(context.Background(), "a1"); err != nil {
		t.Fatalf("agent snapshot missing: %v", err)
	}
}
