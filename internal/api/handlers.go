package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/emberapp/matchcore/internal/apperr"
	"github.com/emberapp/matchcore/internal/block"
	"github.com/emberapp/matchcore/internal/chat"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/ratelimit"
)

// allow applies rule to the caller. Limiter failures fail open.
func (h *handlers) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	if h.svc.Limiter == nil {
		return nil
	}
	ok, err := h.svc.Limiter.Allow(ctx, userID, rule)
	if err != nil {
		h.log.Warnw("limiter failed", "user", userID, "rule", rule.Key, "error", err)
	}
	if !ok {
		return apperr.ErrRateLimited
	}
	return nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.InvalidArgument("%s must be a non-negative integer", key)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Discovery and swipes
// ---------------------------------------------------------------------------

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	cands, err := h.svc.Discovery.Discover(r.Context(), identity(r).UserID, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

type swipeRequest struct {
	UserID   string `json:"userId"`
	Decision string `json:"decision"`
}

func (h *handlers) recordSwipe(w http.ResponseWriter, r *http.Request) {
	me := identity(r).UserID
	if err := h.allow(r.Context(), me, h.svc.SwipeRule); err != nil {
		writeError(w, err)
		return
	}
	var req swipeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Swipes.RecordSwipe(r.Context(), me, req.UserID, req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) undoSwipe(w http.ResponseWriter, r *http.Request) {
	sw, err := h.svc.Swipes.UndoSwipe(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swipe": sw})
}

func (h *handlers) listMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.svc.Swipes.ListMatches(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (h *handlers) unmatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Swipes.Unmatch(r.Context(), identity(r).UserID, chi.URLParam(r, "matchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": m})
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

type blockRequest struct {
	UserID      string `json:"userId"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (h *handlers) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := h.svc.Blocks.Block(r.Context(), block.Request{
		BlockerID:   identity(r).UserID,
		BlockedID:   req.UserID,
		Type:        req.Type,
		Reason:      req.Reason,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"block": b})
}

func (h *handlers) unblock(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Blocks.Unblock(r.Context(), identity(r).UserID, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": b})
}

func (h *handlers) blockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Blocks.CheckStatus(r.Context(), identity(r).UserID, chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"iBlocked":      st.ABlocksB,
		"blockedByThem": st.BBlocksA,
		"blocked":       st.Either(),
	})
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

func (h *handlers) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.Pipeline.Conversation().ListChats(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.svc.Pipeline.Conversation().ListMessages(r.Context(), identity(r).UserID, chi.URLParam(r, "chatID"), before, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	Type     string          `json:"type"`
	Content  string          `json:"content"`
	MediaURL string          `json:"mediaUrl"`
	ReplyTo  string          `json:"replyTo"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	me := identity(r)
	if err := h.allow(r.Context(), me.UserID, h.svc.MessageRule); err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, err)
		return
	}
	var req sendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.svc.Pipeline.SendMessage(r.Context(), me, chat.SendInput{
		ChatID:   chi.URLParam(r, "chatID"),
		Type:     req.Type,
		Content:  req.Content,
		MediaURL: req.MediaURL,
		ReplyTo:  req.ReplyTo,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": chat.View(msg, me.UserID, nil)})
}

func (h *handlers) markChatRead(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Pipeline.MarkChatRead(r.Context(), identity(r), chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageIds": ids})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pipeline.MarkRead(r.Context(), identity(r), chi.URLParam(r, "messageID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pipeline.Acknowledge(r.Context(), identity(r), chi.URLParam(r, "messageID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *handlers) editMessage(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	me := identity(r)
	msg, err := h.svc.Pipeline.Edit(r.Context(), me, chi.URLParam(r, "messageID"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": chat.View(msg, me.UserID, nil)})
}

func (h *handlers) deleteMessage(w http.ResponseWriter, r *http.Request) {
	scope, err := chat.ParseDeleteScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	changed, err := h.svc.Pipeline.Delete(r.Context(), identity(r), chi.URLParam(r, "messageID"), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "changed": changed})
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *handlers) react(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	me := identity(r)
	msg, err := h.svc.Pipeline.React(r.Context(), me, chi.URLParam(r, "messageID"), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": chat.View(msg, me.UserID, nil)})
}

func (h *handlers) unreact(w http.ResponseWriter, r *http.Request) {
	me := identity(r)
	msg, err := h.svc.Pipeline.Unreact(r.Context(), me, chi.URLParam(r, "messageID"), r.URL.Query().Get("emoji"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": chat.View(msg, me.UserID, nil)})
}

func (h *handlers) reveal(w http.ResponseWriter, r *http.Request) {
	me := identity(r)
	msg, err := h.svc.Pipeline.Reveal(r.Context(), me, chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": chat.View(msg, me.UserID, nil)})
}
