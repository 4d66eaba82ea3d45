package sqlite

import (
	"context"
	"testing"

	"github.com/mistakeknot/intermail/internal/core"
)

func TestSearchMatchesBodyAndSubject(t *testing.T) {
	st, _ := NewSQLiteTest(t)
	ctx := context.Background()
	project := team(t, st, "Amber Fox", "Jade Wolf")
	to := []core.Target{core.Direct("Jade Wolf")}

	inBody := mustSend(t, st, core.SendRequest{Project: project, Sender: "Amber Fox", To: to,
		Subject: "Deploy plan", Body: "rotate the credentials tonight"})
	inSubject := mustSend(t, st, core.SendRequest{Project: project, Sender: "Amber Fox", To: to,
		Subject: "Credentials audit", Body: "see attached"})
	mustSend(t, st, core.SendRequest{Project: project, Sender: "Amber Fox", To: to,
		Subject: "Lunch", Body: "noon"})

	got, err := st.Search(ctx, project, "credentials", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %+v", got)
	}
	hits := map[int64]bool{got[0].ID: true, got[1].ID: true}
	if !hits[inBody.ID] || !hits[inSubject.ID] {
		t.Fatalf("unexpected hits %+v", got)
	}
	if len(got[0].To) != 1 {
		t.Fatalf("hits should carry recipients, got %+v", got[0])
	}

	quoted, err := st.Search(ctx, project, `"credentials"`, 1)
	if err != nil {
		t.Fatalf("quoted search: %v", err)
	}
	if len(quoted) != 1 {
		t.Fatalf("limit not applied: %+v", quoted)
	}
}

func TestSearchBlankQuery(t *testing.T) {
	st, _ := NewSQLiteTest(t)
	project := team(t, st, "Amber Fox")

	for _, q := range []string{"", "   ", `""`} {
		got, err := st.Search(context.Background(), project, q, 10)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("blank query %q should return an empty list, got %#v", q, got)
		}
	}
}

func TestSearchScopedToProject(t *testing.T) {
	st, _ := NewSQLiteTest(t)
	ctx := context.Background()
	project := team(t, st, "Amber Fox", "Jade Wolf")
	other, err := st.EnsureProject(ctx, "/elsewhere")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	mustAgent(t, st, other.Slug, "Amber Fox")
	mustAgent(t, st, other.Slug, "Jade Wolf")
	mustSend(t, st, core.SendRequest{Project: other.Slug, Sender: "Amber Fox",
		To: []core.Target{core.Direct("Jade Wolf")}, Body: "migration window"})

	got, err := st.Search(ctx, project, "migration", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("search leaked across projects: %+v", got)
	}
}

func TestSearchFallsBackWithoutIndex(t *testing.T) {
	st, _ := NewSQLiteTest(t)
	ctx := context.Background()
	project := team(t, st, "Amber Fox", "Jade Wolf")
	msg := mustSend(t, st, core.SendRequest{Project: project, Sender: "Amber Fox",
		To: []core.Target{core.Direct("Jade Wolf")}, Body: "rotate the Credentials tonight"})

	for _, stmt := range []string{
		`DROP TRIGGER messages_fts_ai`,
		`DROP TRIGGER messages_fts_ad`,
		`DROP TRIGGER messages_fts_au`,
		`DROP TABLE messages_fts`,
	} {
		if _, err := st.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	got, err := st.Search(ctx, project, "credentials", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("fallback scan missed the message: %+v", got)
	}
}

func TestSearchFallsBackOnQuerySyntax(t *testing.T) {
	st, _ := NewSQLiteTest(t)
	project := team(t, st, "Amber Fox", "Jade Wolf")
	msg := mustSend(t, st, core.SendRequest{Project: project, Sender: "Amber Fox",
		To: []core.Target{core.Direct("Jade Wolf")}, Body: "touching src/auth/login.go today"})

	got, err := st.Search(context.Background(), project, "login.go", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("expected substring hit, got %+v", got)
	}
}
