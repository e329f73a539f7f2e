package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"restorebot/internal/progress"
	"restorebot/internal/storage"
)

// discordStub serves the OAuth2 token endpoint and the member add endpoint.
type discordStub struct {
	mu      sync.Mutex
	added   map[string]string
	headers []string
}

func (d *discordStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/oauth2/token" && r.Method == http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		refresh := r.PostForm.Get("refresh_token")
		if refresh == "rt-bad" || r.PostForm.Get("client_id") != "client" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		next := refresh
		if refresh == "rt-u1" {
			next = "rt-u1-rotated"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + strings.TrimPrefix(refresh, "rt-"),
			"token_type":    "Bearer",
			"refresh_token": next,
			"expires_in":    604800,
		})
	case strings.HasPrefix(r.URL.Path, "/api/guilds/g2/members/") && r.Method == http.MethodPut:
		userID := strings.TrimPrefix(r.URL.Path, "/api/guilds/g2/members/")
		var body struct {
			AccessToken string `json:"access_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		d.mu.Lock()
		d.added[userID] = body.AccessToken
		d.headers = append(d.headers, r.Header.Get("Authorization"))
		d.mu.Unlock()
		switch userID {
		case "u1":
			w.WriteHeader(http.StatusCreated)
		case "u2":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	default:
		http.NotFound(w, r)
	}
}

func TestMemberRestore(t *testing.T) {
	stub := &discordStub{added: map[string]string{}}
	server := httptest.NewServer(stub)
	defer server.Close()

	dest := newFakeGuild("g2", false)
	dest.members = []*discordgo.Member{{User: &discordgo.User{ID: "u5"}}}

	var rotations []string
	rotate := func(_ context.Context, oldToken, newToken string) error {
		rotations = append(rotations, oldToken+"->"+newToken)
		return nil
	}

	restorer := NewMemberRestorer(
		dest,
		NewOAuthRefresher("client", "secret", server.URL+"/oauth2/token", server.Client()),
		NewMemberClient(server.URL+"/api/", "bot-token", server.Client()),
		rotate,
		1000,
		nil,
	)
	users := []storage.AuthorizedUser{
		{UserID: "u1", RefreshToken: "rt-u1"},
		{UserID: "u2", RefreshToken: "rt-u2"},
		{UserID: "u3", RefreshToken: "rt-u3"},
		{UserID: "u4", RefreshToken: "rt-bad"},
		{UserID: "u5", RefreshToken: "rt-u5"},
	}

	var updates int
	result, err := restorer.Restore(context.Background(), users, "g2", progress.ReporterFunc(func(progress.Update) { updates++ }))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := MemberResult{Succeeded: 1, Failed: 2, AlreadyPresent: 2, Total: 5}
	if result != want {
		t.Fatalf("expected %+v, got %+v", want, result)
	}
	if updates != 5 {
		t.Fatalf("expected one progress update per user, got %d", updates)
	}
	if _, called := stub.added["u5"]; called {
		t.Fatalf("present member should not be re-added")
	}
	if _, called := stub.added["u4"]; called {
		t.Fatalf("failed refresh should not reach the add endpoint")
	}
	if stub.added["u1"] != "at-u1" {
		t.Fatalf("unexpected access token %q", stub.added["u1"])
	}
	for _, header := range stub.headers {
		if header != "Bot bot-token" {
			t.Fatalf("unexpected authorization header %q", header)
		}
	}
	if len(rotations) != 1 || rotations[0] != "rt-u1->rt-u1-rotated" {
		t.Fatalf("unexpected rotations: %v", rotations)
	}
}

func TestMemberRestoreNoUsers(t *testing.T) {
	restorer := NewMemberRestorer(newFakeGuild("g2", false), nil, nil, nil, 0, nil)
	result, err := restorer.Restore(context.Background(), nil, "g2", nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if result != (MemberResult{}) {
		t.Fatalf("expected zero result, got %+v", result)
	}
}
