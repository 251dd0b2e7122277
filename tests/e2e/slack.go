package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Posted message as seen by the fake Slack
type Posted struct {
	Token   string
	Channel string
	Text    string
}

// FakeSlack emulates the part of Slack Web API the service talks to
// Every OAuth code or refresh yields a new access token valid until it is rotated
type FakeSlack struct {
	*httptest.Server

	UserID    string
	TeamID    string
	TeamName  string
	ExpiresIn int // seconds, 0 means tokens never expire

	mu        sync.Mutex
	issued    int
	valid     map[string]bool // access tokens accepted by API methods
	refresh   map[string]bool // refresh tokens accepted by oauth.v2.access
	posted    []Posted
	scheduled map[string]Posted
}

func NewFakeSlack() *FakeSlack {
	s := &FakeSlack{
		UserID:    "U1",
		TeamID:    "T1",
		TeamName:  "Acme",
		ExpiresIn: 43200,
		valid:     make(map[string]bool),
		refresh:   make(map[string]bool),
		scheduled: make(map[string]Posted),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *FakeSlack) Posted() []Posted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Posted(nil), s.posted...)
}

func (s *FakeSlack) Scheduled() map[string]Posted {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Posted, len(s.scheduled))
	for id, p := range s.scheduled {
		out[id] = p
	}
	return out
}

// Revoke every access token, like Slack does when token expires
func (s *FakeSlack) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = make(map[string]bool)
}

func (s *FakeSlack) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	method := strings.TrimPrefix(r.URL.Path, "/api/")
	if method == "oauth.v2.access" {
		s.oauth(w, r)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !s.valid[token] {
		reply(w, map[string]any{"ok": false, "error": "token_expired"})
		return
	}

	switch method {
	case "auth.test":
		reply(w, map[string]any{"ok": true, "user_id": s.UserID, "team_id": s.TeamID, "team": s.TeamName})
	case "users.info":
		reply(w, map[string]any{"ok": true, "user": map[string]any{"name": "alice", "profile": map[string]any{"display_name": "Alice"}}})
	case "conversations.list":
		reply(w, map[string]any{"ok": true, "channels": []map[string]any{{"id": "C1", "name": "general", "is_private": false}}})
	case "chat.postMessage":
		s.posted = append(s.posted, Posted{Token: token, Channel: r.PostForm.Get("channel"), Text: r.PostForm.Get("text")})
		reply(w, map[string]any{"ok": true, "ts": fmt.Sprintf("1718000000.%06d", len(s.posted))})
	case "chat.scheduleMessage":
		id := fmt.Sprintf("Q%d", len(s.scheduled)+1)
		s.scheduled[id] = Posted{Token: token, Channel: r.PostForm.Get("channel"), Text: r.PostForm.Get("text")}
		reply(w, map[string]any{"ok": true, "scheduled_message_id": id})
	case "chat.deleteScheduledMessage":
		id := r.PostForm.Get("scheduled_message_id")
		if _, ok := s.scheduled[id]; !ok {
			reply(w, map[string]any{"ok": false, "error": "invalid_scheduled_message_id"})
			return
		}
		delete(s.scheduled, id)
		reply(w, map[string]any{"ok": true})
	default:
		reply(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

func (s *FakeSlack) oauth(w http.ResponseWriter, r *http.Request) {
	if r.PostForm.Get("grant_type") == "refresh_token" {
		old := r.PostForm.Get("refresh_token")
		if !s.refresh[old] {
			reply(w, map[string]any{"ok": false, "error": "invalid_refresh_token"})
			return
		}
		delete(s.refresh, old)
	} else if r.PostForm.Get("code") == "" {
		reply(w, map[string]any{"ok": false, "error": "invalid_code"})
		return
	}

	s.issued++
	access := fmt.Sprintf("xoxe.xoxp-%d", s.issued)
	refresh := fmt.Sprintf("xoxe-1-%d", s.issued)
	s.valid[access] = true
	s.refresh[refresh] = true

	reply(w, map[string]any{
		"ok":           true,
		"access_token": "xoxb-bot",
		"authed_user": map[string]any{
			"id":            s.UserID,
			"access_token":  access,
			"refresh_token": refresh,
			"expires_in":    s.ExpiresIn,
		},
	})
}

func reply(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
