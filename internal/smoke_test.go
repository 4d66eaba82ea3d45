package internal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/client"
	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/pkg/embedded"
)

func startServer(t *testing.T, dbPath string) *embedded.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = dbPath
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Auth.KeysFile = filepath.Join(filepath.Dir(dbPath), "none.keys.yaml")
	srv, err := embedded.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	srv.Start()
	return srv
}

func TestSmokeCoordinationSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "intermail.db")
	srv := startServer(t, dbPath)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.New(srv.URL())
	p, err := c.EnsureProject(ctx, "/home/dev/alpha")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	c.Project = p.Slug

	lead, err := c.RegisterAgent(ctx, client.Registration{Program: "claude-code", Model: "opus", TaskDescription: "lead"})
	if err != nil {
		t.Fatalf("register lead: %v", err)
	}
	worker, err := c.CreateIdentity(ctx, client.Registration{Program: "codex", Model: "gpt", TaskDescription: "parser"})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if lead.Name == worker.Name {
		t.Fatalf("identities collided on %q", lead.Name)
	}

	nudges := make(chan client.Nudge, 4)
	sub := client.NewWSClient(srv.URL(), p.Slug, worker.Name, client.WithAutoReconnect(false))
	sub.OnNudge(func(n client.Nudge) { nudges <- n })
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The hub registers the connection after the handshake; resend until
	// the worker has been nudged once.
	var sent []int64
	deadline := time.After(3 * time.Second)
	for nudged := false; !nudged; {
		msg, err := c.SendMessage(ctx, client.Outgoing{
			Sender: lead.Name, To: []string{"all"}, Subject: "kickoff",
			BodyMD: "take the parser", Importance: "urgent", AckRequired: true,
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		sent = append(sent, msg.ID)
		select {
		case n := <-nudges:
			if n.Type != client.EventTypes.MessageCreated || n.Agent == "" {
				t.Fatalf("unexpected nudge %+v", n)
			}
			nudged = true
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("worker never nudged")
		}
	}
	if err := sub.Close(); err != nil {
		t.Logf("close subscription: %v", err)
	}

	for _, id := range sent {
		if _, err := c.Acknowledge(ctx, worker.Name, id); err != nil {
			t.Fatalf("ack %d: %v", id, err)
		}
	}
	res, err := c.Reserve(ctx, client.ReserveRequest{Agent: worker.Name, Patterns: []string{"internal/parser/**"}, TTL: time.Hour})
	if err != nil || len(res.Granted) != 1 {
		t.Fatalf("reserve: %+v %v", res, err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	srv = startServer(t, dbPath)
	t.Cleanup(func() { _ = srv.Stop() })
	c = client.New(srv.URL(), client.WithProject(p.Slug))

	inbox, err := c.FetchInbox(ctx, worker.Name, client.InboxOptions{UrgentOnly: true})
	if err != nil {
		t.Fatalf("inbox after restart: %v", err)
	}
	if len(inbox) != len(sent) || inbox[0].AckTS == nil {
		t.Fatalf("acknowledgement lost across restart: %+v", inbox)
	}
	conflicts, err := c.CheckConflicts(ctx, lead.Name, []string{"internal/parser/lexer.go"})
	if err != nil {
		t.Fatalf("check conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Holders[0].Agent != worker.Name {
		t.Fatalf("reservation lost across restart: %+v", conflicts)
	}
	counts, err := c.InboxCounts(ctx, worker.Name)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 0 || counts.Total != len(inbox) {
		t.Fatalf("unexpected counts %+v for %d messages", counts, len(inbox))
	}
}
