package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

// newRaceStore creates a file-backed store in WAL mode with a busy timeout,
// suitable for concurrent access from many goroutines.
func newRaceStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"), WithBusyTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestConcurrentEnsureProject verifies that racing creators converge on one row.
func TestConcurrentEnsureProject(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const workers = 10

	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := st.EnsureProject(ctx, "/race/repo")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("worker %d got project %d, want %d", i, id, ids[0])
		}
	}
	all, err := st.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 project, got %d", len(all))
	}
}

// TestConcurrentSend has 10 senders each deliver 10 messages to one inbox;
// all 100 must arrive.
func TestConcurrentSend(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const workers = 10
	const msgsPerWorker = 10

	p, err := st.EnsureProject(ctx, "/race/repo")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	reg := func(name string) core.Agent {
		a, err := st.CreateAgentIdentity(ctx, core.RegisterRequest{Project: p.Slug, NameHint: name, Program: "race", Model: "test"})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		return a
	}
	inbox := reg("Amber Fox")
	senders := make([]string, workers)
	for i := range senders {
		senders[i] = reg(fmt.Sprintf("worker-%d", i)).Name
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < msgsPerWorker; j++ {
				_, err := st.SendMessage(ctx, core.SendRequest{
					Project: p.Slug,
					Sender:  senders[workerID],
					To:      []core.Target{core.Direct(inbox.Name)},
					Subject: fmt.Sprintf("msg-%d-%d", workerID, j),
				})
				if err != nil {
					t.Errorf("worker %d msg %d: %v", workerID, j, err)
				}
			}
		}(i)
	}
	wg.Wait()

	counts, err := st.InboxCounts(ctx, p.Slug, inbox.Name)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != workers*msgsPerWorker {
		t.Fatalf("expected %d messages, got %d", workers*msgsPerWorker, counts.Total)
	}
}

// TestConcurrentOverlappingReserve checks that overlapping exclusive
// requests all succeed and afterwards every agent sees every other holder.
func TestConcurrentOverlappingReserve(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const agents = 5

	p, err := st.EnsureProject(ctx, "/race/repo")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	agentNames := make([]string, agents)
	for i := range agentNames {
		a, err := st.CreateAgentIdentity(ctx, core.RegisterRequest{Project: p.Slug, Program: "race", Model: "test"})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		agentNames[i] = a.Name
	}

	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Reserve(ctx, core.ReserveRequest{
				Project:   p.Slug,
				Agent:     agentNames[i],
				Patterns:  []string{"src/shared/**"},
				TTL:       time.Minute,
				Exclusive: true,
			})
			if err != nil {
				t.Errorf("agent %s: %v", agentNames[i], err)
			}
		}(i)
	}
	wg.Wait()

	active, err := st.ListReservations(ctx, p.Slug, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != agents {
		t.Fatalf("expected %d active reservations, got %d", agents, len(active))
	}
	for _, name := range agentNames {
		conflicts, err := st.CheckConflicts(ctx, p.Slug, name, []string{"src/shared/x.go"})
		if err != nil {
			t.Fatalf("check %s: %v", name, err)
		}
		if len(conflicts) != 1 || len(conflicts[0].Holders) != agents-1 {
			t.Fatalf("%s should see %d holders, got %+v", name, agents-1, conflicts)
		}
	}
}

// TestConcurrentMarkRead has many readers race on one receipt; all of them
// must report the same first read time.
func TestConcurrentMarkRead(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const readers = 20

	p, err := st.EnsureProject(ctx, "/race/repo")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, n := range []string{"Amber Fox", "Jade Wolf"} {
		if _, err := st.RegisterAgent(ctx, core.RegisterRequest{Project: p.Slug, NameHint: n, Program: "race", Model: "test"}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	msg, err := st.SendMessage(ctx, core.SendRequest{Project: p.Slug, Sender: "Amber Fox",
		To: []core.Target{core.Direct("Jade Wolf")}, Subject: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	stamps := make([]time.Time, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := st.MarkRead(ctx, p.Slug, "Jade Wolf", msg.ID)
			if err != nil {
				t.Errorf("reader %d: %v", i, err)
				return
			}
			stamps[i] = r.ReadAt
		}(i)
	}
	wg.Wait()

	for i, ts := range stamps {
		if !ts.Equal(stamps[0]) {
			t.Fatalf("reader %d saw %v, want %v", i, ts, stamps[0])
		}
	}
}
