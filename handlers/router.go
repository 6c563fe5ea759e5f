package handlers

import (
	"net/http"

	"basement/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRouter builds the JSON API. imageOrigin is the public URL of off-site image storage, if any.
func SetupRouter(app App, imageOrigin string) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)
	mux.Use(metrics.InstrumentHandler)
	mux.Use(NewSecurityHeadersMiddleware(imageOrigin))
	mux.Use(WalletMiddleware)

	if dir := app.UploadDir(); dir != "" {
		mux.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(dir))))
	}
	mux.Handle("/metrics", metrics.Handler())
	mux.Get("/healthz", MakeHandler(app, HandleHealth))

	mux.Route("/api", func(r chi.Router) {
		r.Get("/boards", MakeHandler(app, HandleListBoards))
		r.Get("/boards/{slug}/threads", MakeHandler(app, HandleListThreads))
		r.Post("/threads", MakeHandler(app, HandleCreateThread))
		r.Get("/threads/{threadID}", MakeHandler(app, HandleGetThread))
		r.Get("/threads/{threadID}/posts", MakeHandler(app, HandleListPosts))
		r.Post("/threads/{threadID}/posts", MakeHandler(app, HandleCreatePost))
		r.Get("/posts/{postID}", MakeHandler(app, HandleGetPost))
		r.Post("/posts/{postID}/vote", MakeHandler(app, HandleVote))
	})

	// Every moderation handler authorizes the wallet against the admin list.
	mux.Route("/mod", func(r chi.Router) {
		r.Post("/boards", MakeHandler(app, HandleCreateBoard))
		r.Post("/threads/{threadID}/delete", MakeHandler(app, HandleDeleteThread))
		r.Post("/threads/{threadID}/{action}", MakeHandler(app, HandleThreadAction))
		r.Post("/posts/{postID}/delete", MakeHandler(app, HandleDeletePost))
		r.Get("/bans", MakeHandler(app, HandleBanList))
		r.Post("/bans", MakeHandler(app, HandleBan))
		r.Get("/log", MakeHandler(app, HandleModLog))
	})

	return mux
}
