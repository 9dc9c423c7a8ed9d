package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/durangohq/bridge/internal/binding"
	"github.com/durangohq/bridge/internal/codex"
)

func TestLongestPrefixProjectPicksDeepestMatch(t *testing.T) {
	projects := sortedByPathLengthDesc([]Project{
		{ID: "root", AbsolutePath: "/a"},
		{ID: "nested", AbsolutePath: "/a/b"},
	})

	cases := []struct {
		cwd  string
		want string
		ok   bool
	}{
		{"/a/b/c", "nested", true},
		{"/a/x", "root", true},
		{"/other", "", false},
		{"/a", "root", true},
	}
	for _, tt := range cases {
		got, ok := longestPrefixProject(projects, tt.cwd)
		if ok != tt.ok {
			t.Errorf("longestPrefixProject(%q) ok = %v, want %v", tt.cwd, ok, tt.ok)
			continue
		}
		if ok && got.ID != tt.want {
			t.Errorf("longestPrefixProject(%q) = %q, want %q", tt.cwd, got.ID, tt.want)
		}
	}
}

func TestDeriveTitleFromPreview(t *testing.T) {
	cases := []struct {
		preview string
		want    string
	}{
		{"", defaultTitle},
		{"\n\n   \n", defaultTitle},
		{"  hello   world  \nmore text", "hello world"},
		{"first line only", "first line only"},
	}
	for _, tt := range cases {
		if got := deriveTitle(tt.preview); got != tt.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", tt.preview, got, tt.want)
		}
	}
}

func TestRegisterProjectFailureIsSkippedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := registerProjects(context.Background(), Deps{
		Projects:   []Project{{ID: "p1", AbsolutePath: "/a"}},
		WebBaseURL: srv.URL,
		RelayToken: "tok",
	})
	if n != 0 {
		t.Errorf("registered = %d, want 0 on failure", n)
	}
}

func TestRegisterProjectSuccessCountsToward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]Project
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := registerProjects(context.Background(), Deps{
		Projects:   []Project{{ID: "p1", AbsolutePath: "/a"}, {ID: "p2", AbsolutePath: "/b"}},
		WebBaseURL: srv.URL,
		RelayToken: "tok",
	})
	if n != 2 {
		t.Errorf("registered = %d, want 2", n)
	}
}

func TestBindThreadsSkipsUnmatchedAndMissingFields(t *testing.T) {
	bindings := binding.New()
	var pushed []ThreadUpsert
	d := Deps{
		Bindings:  bindings,
		MachineID: "m-1",
		Projects:  []Project{{ID: "proj-a", AbsolutePath: "/a"}},
		PushUpsert: func(u ThreadUpsert) {
			pushed = append(pushed, u)
		},
	}
	threads := []codex.ThreadInfo{
		{ID: "t1", Cwd: "/a/b", Title: "do the thing\nmore", UpdatedAt: "2026-01-01T00:00:00Z"},
		{ID: "t2", Cwd: "/other"},
		{ID: "", Cwd: "/a"},
		{ID: "t4", Cwd: ""},
	}

	n := bindThreads(d, threads)
	if n != 1 {
		t.Fatalf("bound %d threads, want 1", n)
	}
	if len(pushed) != 1 {
		t.Fatalf("pushed %d upserts, want 1", len(pushed))
	}
	got := pushed[0]
	if got.Thread.ProjectID != "proj-a" {
		t.Errorf("ProjectID = %q, want proj-a", got.Thread.ProjectID)
	}
	if got.Thread.ID != "codex:t1" {
		t.Errorf("ID = %q, want codex:t1", got.Thread.ID)
	}
	if got.Thread.Title != "do the thing" {
		t.Errorf("Title = %q, want %q", got.Thread.Title, "do the thing")
	}
	if !bindings.IsBound("t1") {
		t.Error("expected t1 to be bound")
	}
}
