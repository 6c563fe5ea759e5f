// basement/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"basement/config"
	"basement/database"
	"basement/forum"

	"github.com/go-chi/chi/v5"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Engine() *forum.Engine
	Moderator() *forum.Moderator
	Logger() *slog.Logger
	// UploadDir is served under /uploads/ when images are stored locally. Empty disables it.
	UploadDir() string
}

// MakeHandler adapts an App-aware handler to net/http.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

type errorBody struct {
	Error      string     `json:"error"`
	Code       string     `json:"code"`
	RetryAfter int        `json:"retryAfter,omitempty"`
	Balance    string     `json:"balance,omitempty"`
	Required   string     `json:"required,omitempty"`
	BuyLink    string     `json:"buyLink,omitempty"`
	BanExpires *time.Time `json:"banExpiresAt,omitempty"`
}

// respondError writes a rejection with its reason code. Errors that are not forum
// rejections are logged and reported as a bare 500.
func respondError(w http.ResponseWriter, err error, app App) {
	var fe *forum.Error
	if !errors.As(err, &fe) {
		app.Logger().Error("Unhandled error", "error", err)
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error.", Code: "internal"}, app)
		return
	}

	body := errorBody{Error: fe.Message, Code: fe.Code}
	if fe.Gate != nil {
		body.Balance = fe.Gate.BalanceFormatted
		body.Required = fe.Gate.RequiredFormatted
		body.BuyLink = fe.Gate.PurchaseURL
	}
	if fe.Ban != nil {
		body.BanExpires = fe.Ban.Expiry()
	}
	if fe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(fe.RetryAfter))
		body.RetryAfter = fe.RetryAfter
	}
	if fe.Err != nil {
		app.Logger().Warn("Request failed on a dependency", "code", fe.Code, "error", fe.Err)
	}
	respondJSON(w, StatusFor(err), body, app)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, forum.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, forum.ErrAuthorization):
		if forum.CodeOf(err) == "wallet_required" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.Is(err, forum.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, forum.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, forum.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, forum.ErrDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// --- Read endpoints ---

// HandleListBoards lists visible boards with their thread counts.
func HandleListBoards(w http.ResponseWriter, r *http.Request, app App) {
	boards, err := app.Engine().ListBoards(r.Context(), false)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"boards": boards}, app)
}

// HandleListThreads serves one page of a board.
func HandleListThreads(w http.ResponseWriter, r *http.Request, app App) {
	slug := chi.URLParam(r, "slug")
	board, err := app.Engine().GetBoard(r.Context(), slug)
	if err != nil {
		respondError(w, err, app)
		return
	}
	threads, pagination, err := app.Engine().ListThreads(r.Context(), slug, pageParam(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"board":      board,
		"threads":    threads,
		"pagination": pagination,
	}, app)
}

// HandleGetThread returns a thread's opening post and metadata.
func HandleGetThread(w http.ResponseWriter, r *http.Request, app App) {
	thread, err := app.Engine().GetThread(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"thread": thread}, app)
}

// HandleListPosts serves one page of a thread's replies.
func HandleListPosts(w http.ResponseWriter, r *http.Request, app App) {
	posts, pagination, err := app.Engine().ListPosts(r.Context(), chi.URLParam(r, "threadID"), pageParam(r))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"posts":      posts,
		"pagination": pagination,
	}, app)
}

// HandleGetPost returns a single reply, used for quote previews.
func HandleGetPost(w http.ResponseWriter, r *http.Request, app App) {
	post, err := app.Engine().GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"post": post}, app)
}

// HandleHealth reports whether the database answers.
func HandleHealth(w http.ResponseWriter, r *http.Request, app App) {
	if err := app.DB().DB.PingContext(r.Context()); err != nil {
		app.Logger().Error("Health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": config.AppVersion}, app)
}
