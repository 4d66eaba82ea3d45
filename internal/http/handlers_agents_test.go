package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/intermail/internal/names"
)

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func TestRegisterAgentUpserts(t *testing.T) {
	env := newTestEnv(t)
	slug := env.seed(t, "/home/dev/repo")
	path := "/api/projects/" + slug + "/agents"

	resp := env.post(t, path, map[string]string{"name": "Amber Fox", "program": "claude-code", "model": "opus", "task_description": "auth"})
	requireStatus(t, resp, http.StatusOK)
	first := decodeJSON[apiAgent](t, resp)
	if first.Name != "Amber Fox" || first.TaskDescription != "auth" {
		t.Fatalf("unexpected agent %+v", first)
	}

	env.clock.Advance(time.Second)
	resp = env.post(t, path, map[string]string{"name": "Amber Fox", "program": "codex", "model": "gpt"})
	requireStatus(t, resp, http.StatusOK)
	again := decodeJSON[apiAgent](t, resp)
	if again.ID != first.ID || again.Program != "codex" || again.TaskDescription != "auth" {
		t.Fatalf("expected upsert of %+v, got %+v", first, again)
	}
	if !again.InceptionTS.Equal(first.InceptionTS) || !again.LastActiveTS.After(first.LastActiveTS) {
		t.Fatalf("timestamps not maintained: %+v vs %+v", first, again)
	}
}

func TestRegisterAgentWithoutNameMintsOne(t *testing.T) {
	env := newTestEnv(t)
	slug := env.seed(t, "/home/dev/repo")

	resp := env.post(t, "/api/projects/"+slug+"/agents", map[string]string{"program": "claude-code", "model": "opus"})
	requireStatus(t, resp, http.StatusOK)
	if a := decodeJSON[apiAgent](t, resp); !names.Valid(a.Name) {
		t.Fatalf("generated name %q is not valid", a.Name)
	}

	resp = env.post(t, "/api/projects/"+slug+"/agents", map[string]string{"name": "Amber Fox", "model": "opus"})
	requireError(t, resp, http.StatusBadRequest, "INVALID_INPUT")
}

func TestCreateIdentityAlwaysMints(t *testing.T) {
	env := newTestEnv(t)
	slug := env.seed(t, "/home/dev/repo", "Amber Fox")

	resp := env.post(t, "/api/projects/"+slug+"/agents/identities", map[string]string{"name": "Amber Fox", "program": "claude-code", "model": "opus"})
	requireStatus(t, resp, http.StatusCreated)
	if a := decodeJSON[apiAgent](t, resp); a.Name == "Amber Fox" || !names.Valid(a.Name) {
		t.Fatalf("expected a fresh name, got %q", a.Name)
	}
}

func TestWhoisAndList(t *testing.T) {
	env := newTestEnv(t)
	slug := env.seed(t, "/home/dev/repo", "Amber Fox", "Jade Wolf")
	env.clock.Advance(time.Second)

	resp := env.get(t, "/api/projects/"+slug+"/agents/"+url.PathEscape("amber fox"))
	requireStatus(t, resp, http.StatusOK)
	if a := decodeJSON[apiAgent](t, resp); a.Name != "Amber Fox" {
		t.Fatalf("case-insensitive whois failed: %+v", a)
	}

	resp = env.get(t, "/api/projects/"+slug+"/agents/"+"Amber")
	body := requireError(t, resp, http.StatusNotFound, "AGENT_NOT_FOUND")
	if _, ok := body.Data["suggestions"]; !ok {
		t.Fatalf("expected suggestions in %+v", body)
	}

	resp = env.get(t, "/api/projects/"+slug+"/agents")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[listAgentsResponse](t, resp)
	if len(list.Agents) != 2 || list.Agents[0].Name != "Amber Fox" {
		t.Fatalf("expected Amber Fox most recently active first, got %+v", list.Agents)
	}
}
