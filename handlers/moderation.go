// basement/handlers/moderation.go
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"basement/forum"

	"github.com/go-chi/chi/v5"
)

// threadAction is one of the moderator's thread-level state changes.
type threadAction func(m *forum.Moderator, ctx context.Context, wallet, id string) error

var threadActions = map[string]threadAction{
	"sticky":   (*forum.Moderator).Sticky,
	"unsticky": (*forum.Moderator).Unsticky,
	"lock":     (*forum.Moderator).Lock,
	"unlock":   (*forum.Moderator).Unlock,
}

// HandleThreadAction applies sticky, unsticky, lock or unlock to a thread.
func HandleThreadAction(w http.ResponseWriter, r *http.Request, app App) {
	action := chi.URLParam(r, "action")
	fn, ok := threadActions[action]
	if !ok {
		http.NotFound(w, r)
		return
	}
	threadID := chi.URLParam(r, "threadID")
	if err := fn(app.Moderator(), r.Context(), walletFrom(r), threadID); err != nil {
		respondError(w, err, app)
		return
	}
	app.Logger().Info("Moderator changed thread", "handler", "HandleThreadAction", "action", action, "thread_id", threadID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": action}, app)
}

// HandleDeleteThread removes a thread and everything under it.
func HandleDeleteThread(w http.ResponseWriter, r *http.Request, app App) {
	threadID := chi.URLParam(r, "threadID")
	if err := app.Moderator().DeleteThread(r.Context(), walletFrom(r), threadID, r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, app)
}

// HandleDeletePost removes a single reply.
func HandleDeletePost(w http.ResponseWriter, r *http.Request, app App) {
	postID := chi.URLParam(r, "postID")
	if err := app.Moderator().DeletePost(r.Context(), walletFrom(r), postID, r.FormValue("reason")); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, app)
}

// HandleBan creates a ban from a JSON body.
func HandleBan(w http.ResponseWriter, r *http.Request, app App) {
	var req forum.BanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8192)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body.", Code: "invalid_body"}, app)
		return
	}
	ban, err := app.Moderator().Ban(r.Context(), walletFrom(r), req)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"ban": ban}, app)
}

// HandleBanList lists bans still in force.
func HandleBanList(w http.ResponseWriter, r *http.Request, app App) {
	bans, err := app.Moderator().ListBans(r.Context(), walletFrom(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"bans": bans}, app)
}

// HandleModLog returns recent moderation actions.
func HandleModLog(w http.ResponseWriter, r *http.Request, app App) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	actions, err := app.Moderator().ModLog(r.Context(), walletFrom(r), limit)
	if err != nil {
		respondError(w, err, app)
		return
	}

	type entry struct {
		ID        int64  `json:"id"`
		Timestamp string `json:"timestamp"`
		ModWallet string `json:"modWallet"`
		Action    string `json:"action"`
		TargetID  string `json:"targetId,omitempty"`
		Details   string `json:"details,omitempty"`
	}
	out := make([]entry, 0, len(actions))
	for _, a := range actions {
		out = append(out, entry{
			ID:        a.ID,
			Timestamp: a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			ModWallet: a.ModWallet,
			Action:    a.Action,
			TargetID:  a.TargetID.String,
			Details:   a.Details.String,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": out}, app)
}

// HandleCreateBoard adds a board from a JSON body {"slug", "title", "about"}.
func HandleCreateBoard(w http.ResponseWriter, r *http.Request, app App) {
	var req struct {
		Slug  string `json:"slug"`
		Title string `json:"title"`
		About string `json:"about"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 8192)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body.", Code: "invalid_body"}, app)
		return
	}
	board, err := app.Moderator().CreateBoard(r.Context(), walletFrom(r), req.Slug, req.Title, req.About)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"board": board}, app)
}
