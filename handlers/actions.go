// basement/handlers/actions.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"basement/config"
	"basement/forum"
	"basement/images"
	"basement/utils"

	"github.com/go-chi/chi/v5"
)

// maxFormBytes leaves room for the text fields next to a maximum-size image.
const maxFormBytes = config.MaxImageBytes + 1<<20

// HandleCreateThread opens a thread from a multipart form.
func HandleCreateThread(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreateThread")

	upload, ok := parsePostForm(w, r, app)
	if !ok {
		return
	}

	thread, err := app.Engine().CreateThread(r.Context(), forum.NewThread{
		Board:       r.FormValue("board"),
		Subject:     r.FormValue("subject"),
		Body:        r.FormValue("text"),
		TripSecret:  r.FormValue("trip"),
		Image:       upload,
		Wallet:      walletFrom(r),
		IP:          utils.GetIPAddress(r),
		ShowAddress: formBool(r, "showAddress"),
	})
	if err != nil {
		logger.Info("Thread rejected", "code", forum.CodeOf(err))
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"thread": thread}, app)
}

// HandleCreatePost replies to the thread in the URL from a multipart form.
func HandleCreatePost(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreatePost")

	upload, ok := parsePostForm(w, r, app)
	if !ok {
		return
	}

	post, err := app.Engine().CreatePost(r.Context(), forum.NewPost{
		ThreadID:    chi.URLParam(r, "threadID"),
		Body:        r.FormValue("text"),
		Sage:        formBool(r, "sage"),
		TripSecret:  r.FormValue("trip"),
		Image:       upload,
		Wallet:      walletFrom(r),
		IP:          utils.GetIPAddress(r),
		ShowAddress: formBool(r, "showAddress"),
	})
	if err != nil {
		logger.Info("Reply rejected", "code", forum.CodeOf(err))
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"post": post}, app)
}

// HandleVote likes, dislikes or clears a vote on a reply. The body is {"isLike": true|false|null}.
func HandleVote(w http.ResponseWriter, r *http.Request, app App) {
	var body struct {
		IsLike *bool `json:"isLike"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&body); err != nil && err != io.EOF {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body.", Code: "invalid_body"}, app)
		return
	}

	tally, err := app.Engine().Vote(r.Context(), forum.VoteRequest{
		PostID: chi.URLParam(r, "postID"),
		Like:   body.IsLike,
		Wallet: walletFrom(r),
		IP:     utils.GetIPAddress(r),
	})
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, tally, app)
}

// parsePostForm parses a multipart or urlencoded post form and returns its optional image.
// It writes the error response itself and returns false on failure.
func parsePostForm(w http.ResponseWriter, r *http.Request, app App) (*images.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondJSON(w, http.StatusBadRequest, errorBody{Error: "Upload is too large.", Code: "image_too_large"}, app)
			return nil, false
		}
		app.Logger().Warn("Form parsing error", "error", err)
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Form parsing error.", Code: "invalid_form"}, app)
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, true
	}
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Could not read the uploaded image.", Code: "image_decode"}, app)
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, config.MaxImageBytes+1))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "Could not read the uploaded image.", Code: "image_decode"}, app)
		return nil, false
	}
	if len(data) == 0 && header.Filename == "" {
		return nil, true
	}
	return &images.Upload{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Filename: header.Filename,
	}, true
}

func formBool(r *http.Request, key string) bool {
	v := r.FormValue(key)
	if v == "on" {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}
