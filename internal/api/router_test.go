package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/delivery"
	"github.com/emberapp/matchcore/internal/discovery"
	"github.com/emberapp/matchcore/internal/model"
	"github.com/emberapp/matchcore/internal/presence"
	"github.com/emberapp/matchcore/internal/ratelimit"
	"github.com/emberapp/matchcore/internal/store/memory"
	"github.com/emberapp/matchcore/internal/swipe"
)

type testAPI struct {
	srv    *httptest.Server
	tokens map[string]string
	mu     sync.Mutex
	events []delivery.Event
}

func newTestAPI(t *testing.T, swipeRule ratelimit.Rule) *testAPI {
	t.Helper()
	st := memory.New()
	for _, u := range []*model.User{
		{ID: "a", Name: "Alice", IsActive: true, PhotoCount: 1},
		{ID: "b", Name: "Bob", IsActive: true, PhotoCount: 1},
		{ID: "c", Name: "Carol", IsActive: true, PhotoCount: 1},
	} {
		st.PutUser(u)
	}

	verifier := auth.NewJWTVerifier("test-secret", "")
	ta := &testAPI{tokens: map[string]string{}}
	for id, name := range map[string]string{"a": "Alice", "b": "Bob", "c": "Carol"} {
		tok, err := verifier.Issue(id, name, time.Hour)
		require.NoError(t, err)
		ta.tokens[id] = tok
	}

	bus := delivery.NewLocalBus()
	bus.Subscribe(func(ev delivery.Event) {
		ta.mu.Lock()
		ta.events = append(ta.events, ev)
		ta.mu.Unlock()
	})
	gate := block.NewGate(st, nil)
	pipeline := delivery.NewPipeline(chat.NewService(st, gate, nil), bus, presence.NewRegistry(), st, nil, nil)

	h := NewRouter(Services{
		Auth:        verifier,
		Discovery:   discovery.NewService(st, nil),
		Swipes:      swipe.NewService(st, gate, nil, nil),
		Blocks:      gate,
		Pipeline:    pipeline,
		Limiter:     ratelimit.NewLocal(),
		SwipeRule:   swipeRule,
		MessageRule: ratelimit.RuleMessage,
	}, Options{}, nil)

	ta.srv = httptest.NewServer(h)
	t.Cleanup(ta.srv.Close)
	return ta
}

func (ta *testAPI) do(t *testing.T, user, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ta.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ta.tokens[user])
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (ta *testAPI) match(t *testing.T) string {
	t.Helper()
	code, body := ta.do(t, "a", http.MethodPost, "/v1/swipes", map[string]string{"userId": "b", "decision": "like"})
	require.Equal(t, http.StatusCreated, code)
	assert.Nil(t, body["match"])

	code, body = ta.do(t, "b", http.MethodPost, "/v1/swipes", map[string]string{"userId": "a", "decision": "superlike"})
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, body["match"])
	assert.Equal(t, true, body["newMatch"])
	return body["match"].(map[string]any)["chatId"].(string)
}

func TestRequiresBearerToken(t *testing.T) {
	ta := newTestAPI(t, ratelimit.RuleSwipe)

	code, body := ta.do(t, "", http.MethodGet, "/v1/matches", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, apperr.CodeUnauthenticated, body["error"])

	ta.tokens["x"] = "not-a-jwt"
	code, _ = ta.do(t, "x", http.MethodGet, "/v1/matches", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSwipeToChatFlow(t *testing.T) {
	ta := newTestAPI(t, ratelimit.RuleSwipe)
	chatID := ta.match(t)

	code, body := ta.do(t, "a", http.MethodGet, "/v1/matches", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["matches"], 1)

	code, body = ta.do(t, "a", http.MethodPost, "/v1/chats/"+chatID+"/messages", map[string]string{"content": "hi Bob"})
	require.Equal(t, http.StatusCreated, code)
	msg := body["message"].(map[string]any)
	assert.Equal(t, "hi Bob", msg["content"])
	assert.Equal(t, string(model.StateSent), msg["status"])

	code, body = ta.do(t, "b", http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, code)
	chats := body["chats"].([]any)
	require.Len(t, chats, 1)
	assert.EqualValues(t, 1, chats[0].(map[string]any)["unreadCount"])

	code, body = ta.do(t, "b", http.MethodPost, "/v1/chats/"+chatID+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messageIds"], 1)

	code, body = ta.do(t, "c", http.MethodGet, "/v1/chats/"+chatID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperr.CodeForbidden, body["error"])

	code, body = ta.do(t, "b", http.MethodGet, "/v1/chats/"+chatID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"], 1)

	var sawNew bool
	ta.mu.Lock()
	defer ta.mu.Unlock()
	for _, ev := range ta.events {
		if ev.Type == "new-message" && ev.Group == delivery.UserGroup("b") {
			sawNew = true
		}
	}
	assert.True(t, sawNew, "HTTP sends go through the delivery pipeline")
}

func TestMessageMutations(t *testing.T) {
	ta := newTestAPI(t, ratelimit.RuleSwipe)
	chatID := ta.match(t)

	_, body := ta.do(t, "a", http.MethodPost, "/v1/chats/"+chatID+"/messages", map[string]string{"content": "draft"})
	id := body["message"].(map[string]any)["id"].(string)

	code, body := ta.do(t, "a", http.MethodPatch, "/v1/messages/"+id, map[string]string{"content": "final"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "final", body["message"].(map[string]any)["content"])

	code, _ = ta.do(t, "b", http.MethodPut, "/v1/messages/"+id+"/reaction", map[string]string{"emoji": "👍"})
	assert.Equal(t, http.StatusOK, code)

	code, body = ta.do(t, "b", http.MethodPut, "/v1/messages/"+id+"/reaction", map[string]string{"emoji": "🦄"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperr.CodeInvalidArgument, body["error"])

	code, _ = ta.do(t, "b", http.MethodPost, "/v1/messages/"+id+"/delivered", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, body = ta.do(t, "a", http.MethodPost, "/v1/messages/"+id+"/delivered", nil)
	assert.Equal(t, http.StatusForbidden, code, "only the receiver acknowledges")
	assert.Equal(t, apperr.CodeForbidden, body["error"])

	code, _ = ta.do(t, "b", http.MethodPost, "/v1/messages/"+id+"/read", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = ta.do(t, "a", http.MethodDelete, "/v1/messages/"+id+"?scope=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ta.do(t, "b", http.MethodDelete, "/v1/messages/"+id+"?scope=me", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])

	code, body = ta.do(t, "b", http.MethodGet, "/v1/chats/"+chatID+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["messages"], "hidden for the actor")

	code, body = ta.do(t, "a", http.MethodGet, "/v1/chats/"+chatID+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["messages"], 1, "still visible to the sender")
}

func TestBlockEndpoints(t *testing.T) {
	ta := newTestAPI(t, ratelimit.RuleSwipe)
	chatID := ta.match(t)

	code, _ := ta.do(t, "a", http.MethodPost, "/v1/blocks", map[string]string{"userId": "b", "type": "messages", "reason": "spam"})
	require.Equal(t, http.StatusCreated, code)

	code, body := ta.do(t, "b", http.MethodGet, "/v1/blocks/a/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["iBlocked"])
	assert.Equal(t, true, body["blockedByThem"])

	code, body = ta.do(t, "b", http.MethodPost, "/v1/chats/"+chatID+"/messages", map[string]string{"content": "hello?"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperr.CodeForbidden, body["error"])

	code, _ = ta.do(t, "a", http.MethodPost, "/v1/blocks", map[string]string{"userId": "b", "reason": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ta.do(t, "a", http.MethodDelete, "/v1/blocks/b", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = ta.do(t, "b", http.MethodPost, "/v1/chats/"+chatID+"/messages", map[string]string{"content": "hello again"})
	assert.Equal(t, http.StatusCreated, code)
}

func TestSwipesAreRateLimited(t *testing.T) {
	ta := newTestAPI(t, ratelimit.Rule{Key: "rl:swipe:", Limit: 1, Window: time.Hour})

	code, _ := ta.do(t, "a", http.MethodPost, "/v1/swipes", map[string]string{"userId": "b", "decision": "dislike"})
	require.Equal(t, http.StatusCreated, code)

	code, body := ta.do(t, "a", http.MethodPost, "/v1/swipes", map[string]string{"userId": "c", "decision": "like"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, apperr.CodeRateLimited, body["error"])
}

func TestUndoAndUnmatch(t *testing.T) {
	ta := newTestAPI(t, ratelimit.RuleSwipe)

	code, body := ta.do(t, "a", http.MethodPost, "/v1/swipes/undo", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apperr.CodeNotFound, body["error"])

	ta.match(t)
	_, body = ta.do(t, "a", http.MethodGet, "/v1/matches", nil)
	matchID := body["matches"].([]any)[0].(map[string]any)["id"].(string)

	code, _ = ta.do(t, "c", http.MethodPost, "/v1/matches/"+matchID+"/unmatch", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = ta.do(t, "a", http.MethodPost, "/v1/matches/"+matchID+"/unmatch", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["match"].(map[string]any)["isActive"])

	_, body = ta.do(t, "a", http.MethodGet, "/v1/matches", nil)
	assert.Empty(t, body["matches"])
}
