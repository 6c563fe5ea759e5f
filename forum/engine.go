// Package forum implements thread and reply creation, the bump engine, listings and moderation.
package forum

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"basement/config"
	"basement/database"
	"basement/images"
	"basement/metrics"
	"basement/models"
	"basement/tokengate"
	"basement/utils"

	"github.com/google/uuid"
)

var slugRegex = regexp.MustCompile(`^[a-z0-9]+$`)

type Config struct {
	BumpLimit      int
	RateWindow     time.Duration
	RateBurst      int
	ThreadsPerPage int
	PostsPerPage   int
	MaxBodyLen     int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		BumpLimit:      config.BumpLimit,
		RateWindow:     10 * time.Second,
		RateBurst:      config.DefaultRateLimitBurst,
		ThreadsPerPage: config.ThreadsPerPage,
		PostsPerPage:   config.PostsPerPage,
		MaxBodyLen:     config.MaxBodyLen,
	}
}

// Deps are the collaborators shared by Engine and Moderator.
type Deps struct {
	DB      *database.DatabaseService
	Gate    *tokengate.Gate
	Limiter *models.RateLimiter
	Images  *images.Pipeline
	Clock   utils.Clock
}

// Engine runs the write and read paths for boards, threads and replies.
type Engine struct {
	db      *database.DatabaseService
	gate    *tokengate.Gate
	limiter *models.RateLimiter
	images  *images.Pipeline
	clock   utils.Clock
	cfg     Config
	logger  *slog.Logger
}

func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BumpLimit <= 0 {
		cfg.BumpLimit = def.BumpLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.ThreadsPerPage <= 0 {
		cfg.ThreadsPerPage = def.ThreadsPerPage
	}
	if cfg.PostsPerPage <= 0 {
		cfg.PostsPerPage = def.PostsPerPage
	}
	if cfg.MaxBodyLen <= 0 {
		cfg.MaxBodyLen = def.MaxBodyLen
	}
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	if deps.Limiter == nil {
		deps.Limiter = models.NewRateLimiter(nil, deps.Clock, logger)
	}
	return &Engine{
		db:      deps.DB,
		gate:    deps.Gate,
		limiter: deps.Limiter,
		images:  deps.Images,
		clock:   deps.Clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// NewThread is a request to open a thread.
type NewThread struct {
	Board       string
	Subject     string
	Body        string
	TripSecret  string
	Image       *images.Upload
	Wallet      string
	IP          string
	ShowAddress bool
}

// NewPost is a request to reply to a thread.
type NewPost struct {
	ThreadID    string
	Body        string
	Sage        bool
	TripSecret  string
	Image       *images.Upload
	Wallet      string
	IP          string
	ShowAddress bool
}

// poster is who is writing, derived once per request.
type poster struct {
	wallet  string
	anonID  string
	display string
	ipHash  string
	trip    string
}

// CreateThread opens a thread on a board. The new thread is not sticky, not locked,
// and has bumpAt equal to createdAt.
func (e *Engine) CreateThread(ctx context.Context, in NewThread) (_ *models.Thread, err error) {
	defer func() { observe(err) }()

	now := e.clock.Now()
	p, err := e.identify(in.Wallet, in.IP, in.TripSecret, in.ShowAddress, now)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Board) == "" {
		return nil, validation("board_required", "A board is required.")
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, validation("body_required", "A thread needs some text.")
	}

	board, err := e.db.GetBoard(ctx, strings.ToLower(strings.TrimSpace(in.Board)))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, notFound("board_not_found", "Board not found.")
		}
		return nil, err
	}

	if err := e.checkBan(ctx, p, now); err != nil {
		return nil, err
	}
	if utils.IsSuspicious(in.Body) || utils.IsSuspicious(in.Subject) {
		return nil, validation("suspicious_content", "Your post looks like spam and was rejected.")
	}
	subject, _ := utils.SanitizeSubject(in.Subject)
	body := utils.SanitizeBody(in.Body, e.cfg.MaxBodyLen)

	if err := e.authorize(ctx, p, tokengate.ActionCreateThread); err != nil {
		return nil, err
	}

	stored, err := e.storeImage(ctx, in.Image)
	if err != nil {
		return nil, err
	}

	t := &models.Thread{
		ID:         uuid.NewString(),
		BoardID:    board.ID,
		BoardSlug:  board.Slug,
		Subject:    subject,
		OpText:     body,
		OpImageURL: stored.ImageURL,
		OpThumbURL: stored.ThumbURL,
		ImageHash:  stored.Hash,
		AnonID:     p.display,
		TripSig:    p.trip,
		IPHash:     p.ipHash,
		BumpAt:     now,
		CreatedAt:  now,
	}
	if err := e.db.InsertThread(ctx, t); err != nil {
		releaseImages(ctx, e.db, e.images, e.logger, models.ImageRef{ImageURL: stored.ImageURL, ThumbURL: stored.ThumbURL})
		return nil, err
	}

	metrics.PostCreated("thread")
	e.logger.Info("Thread created", "thread_id", t.ID, "board", board.Slug, "anon_id", p.anonID)
	return t, nil
}

// CreatePost appends a reply and then bumps the thread unless the reply is sage or
// the thread has reached the bump limit. The reply is kept either way.
func (e *Engine) CreatePost(ctx context.Context, in NewPost) (_ *models.Post, err error) {
	defer func() { observe(err) }()

	now := e.clock.Now()
	p, err := e.identify(in.Wallet, in.IP, in.TripSecret, in.ShowAddress, now)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ThreadID) == "" {
		return nil, validation("thread_required", "A thread is required.")
	}
	if strings.TrimSpace(in.Body) == "" && in.Image == nil {
		return nil, validation("body_required", "A reply needs text or an image.")
	}

	thread, err := e.db.GetThread(ctx, in.ThreadID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, notFound("thread_not_found", "Thread not found.")
		}
		return nil, err
	}
	if thread.IsLocked {
		return nil, lockedError()
	}

	if err := e.checkBan(ctx, p, now); err != nil {
		return nil, err
	}
	if utils.IsSuspicious(in.Body) {
		return nil, validation("suspicious_content", "Your post looks like spam and was rejected.")
	}
	body := utils.SanitizeBody(in.Body, e.cfg.MaxBodyLen)

	if err := e.authorize(ctx, p, tokengate.ActionCreatePost); err != nil {
		return nil, err
	}

	stored, err := e.storeImage(ctx, in.Image)
	if err != nil {
		return nil, err
	}

	post := &models.Post{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		Text:      body,
		ImageURL:  stored.ImageURL,
		ThumbURL:  stored.ThumbURL,
		ImageHash: stored.Hash,
		AnonID:    p.display,
		TripSig:   p.trip,
		IPHash:    p.ipHash,
		Sage:      in.Sage,
		CreatedAt: now,
	}

	outcome := "sage"
	_, err = e.db.InsertReply(ctx, post, func(state models.ThreadState) bool {
		bump := bumpDecision(in.Sage, state, e.cfg.BumpLimit)
		switch {
		case bump:
			outcome = "bumped"
		case !in.Sage:
			outcome = "autosage"
		}
		return bump
	})
	if err != nil {
		releaseImages(ctx, e.db, e.images, e.logger, models.ImageRef{ImageURL: stored.ImageURL, ThumbURL: stored.ThumbURL})
		switch {
		case errors.Is(err, database.ErrLocked):
			return nil, lockedError()
		case errors.Is(err, database.ErrNotFound):
			return nil, notFound("thread_not_found", "Thread not found.")
		}
		return nil, err
	}

	metrics.PostCreated("post")
	metrics.BumpOutcome(outcome)
	e.logger.Info("Reply created", "post_id", post.ID, "thread_id", thread.ID, "anon_id", p.anonID, "bump", outcome)
	return post, nil
}

// bumpDecision reports whether a reply moves its thread up. state is the thread as it
// was before the reply; a thread bumps while it has fewer than limit replies.
func bumpDecision(sage bool, state models.ThreadState, limit int) bool {
	if sage || state.Locked {
		return false
	}
	return state.Replies < limit
}

func lockedError() *Error {
	return unauthorized("thread_locked", "This thread is locked and no longer accepts replies.")
}

// VoteRequest likes (true), dislikes (false) or clears (nil) a vote on a reply.
type VoteRequest struct {
	PostID string
	Like   *bool
	Wallet string
	IP     string
}

// Vote records one vote per anon ID per post and returns the post's new tally.
func (e *Engine) Vote(ctx context.Context, in VoteRequest) (_ models.VoteTally, err error) {
	defer func() { observe(err) }()

	now := e.clock.Now()
	p, err := e.identify(in.Wallet, in.IP, "", false, now)
	if err != nil {
		return models.VoteTally{}, err
	}
	if strings.TrimSpace(in.PostID) == "" {
		return models.VoteTally{}, validation("post_required", "A post is required.")
	}
	if err := e.checkBan(ctx, p, now); err != nil {
		return models.VoteTally{}, err
	}
	if err := e.authorize(ctx, p, tokengate.ActionVote); err != nil {
		return models.VoteTally{}, err
	}

	tally, err := e.db.Vote(ctx, in.PostID, p.anonID, in.Like, now)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.VoteTally{}, notFound("post_not_found", "Post not found.")
		}
		return models.VoteTally{}, err
	}
	return tally, nil
}

// --- Reads ---

// ListBoards returns boards with their thread counts. Hidden boards are included only on request.
func (e *Engine) ListBoards(ctx context.Context, includeHidden bool) ([]models.Board, error) {
	return e.db.ListBoards(ctx, includeHidden)
}

// GetBoard looks a board up by slug.
func (e *Engine) GetBoard(ctx context.Context, slug string) (*models.Board, error) {
	b, err := e.db.GetBoard(ctx, strings.ToLower(slug))
	if errors.Is(err, database.ErrNotFound) {
		return nil, notFound("board_not_found", "Board not found.")
	}
	return b, err
}

// ListThreads returns one page of a board, stickies first, then by most recent bump.
func (e *Engine) ListThreads(ctx context.Context, slug string, page int) ([]models.Thread, models.Pagination, error) {
	board, err := e.GetBoard(ctx, slug)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	if page < 1 {
		page = 1
	}
	threads, total, err := e.db.ListThreads(ctx, board.ID, e.cfg.ThreadsPerPage, (page-1)*e.cfg.ThreadsPerPage)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return threads, models.NewPagination(page, e.cfg.ThreadsPerPage, total), nil
}

// GetThread returns a thread with its reply count.
func (e *Engine) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	t, err := e.db.GetThread(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, notFound("thread_not_found", "Thread not found.")
	}
	return t, err
}

// ListPosts returns one page of a thread's replies, oldest first.
func (e *Engine) ListPosts(ctx context.Context, threadID string, page int) ([]models.Post, models.Pagination, error) {
	if _, err := e.GetThread(ctx, threadID); err != nil {
		return nil, models.Pagination{}, err
	}
	if page < 1 {
		page = 1
	}
	posts, total, err := e.db.ListPosts(ctx, threadID, e.cfg.PostsPerPage, (page-1)*e.cfg.PostsPerPage)
	if err != nil {
		return nil, models.Pagination{}, err
	}
	return posts, models.NewPagination(page, e.cfg.PostsPerPage, total), nil
}

// GetPost returns a single reply.
func (e *Engine) GetPost(ctx context.Context, id string) (*models.Post, error) {
	p, err := e.db.GetPost(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, notFound("post_not_found", "Post not found.")
	}
	return p, err
}

// CreateBoard adds a board on behalf of actor, which is recorded in the moderation log.
func (e *Engine) CreateBoard(ctx context.Context, actor, slug, title, about string) (*models.Board, error) {
	return createBoard(ctx, e.db, e.clock, actor, slug, title, about)
}

func createBoard(ctx context.Context, db *database.DatabaseService, clock utils.Clock, actor, slug, title, about string) (*models.Board, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugRegex.MatchString(slug) {
		return nil, validation("invalid_slug", "Board slug must be lowercase letters and digits.")
	}
	title, ok := utils.SanitizeSubject(title)
	if !ok {
		return nil, validation("title_required", "Board title is required.")
	}
	b := &models.Board{
		Slug:      slug,
		Title:     title,
		About:     utils.SanitizeBody(about, 500),
		CreatedAt: clock.Now(),
	}
	if err := db.CreateBoard(ctx, b, actor); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, conflict("board_exists", "A board with that slug already exists.")
		}
		return nil, err
	}
	return b, nil
}

// --- Write path steps ---

// identify validates the wallet and derives the request's identifiers.
func (e *Engine) identify(wallet, ip, tripSecret string, showAddress bool, now time.Time) (poster, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return poster{}, unauthorized("wallet_required", "Connect a wallet to post.")
	}
	if !utils.IsValidWalletAddress(wallet) {
		return poster{}, validation("invalid_wallet", "Invalid wallet address.")
	}
	p := poster{
		wallet: strings.ToLower(wallet),
		anonID: utils.DeriveAnonID(wallet, now),
		trip:   utils.DeriveTripcode(tripSecret),
	}
	p.display = p.anonID
	if showAddress {
		p.display = utils.ChecksumAddress(wallet)
	}
	if ip != "" {
		p.ipHash = utils.HashIP(ip)
	}
	return p, nil
}

func (e *Engine) checkBan(ctx context.Context, p poster, now time.Time) error {
	ban, err := e.db.ActiveBan(ctx, p.wallet, p.anonID, p.ipHash, now)
	if err != nil {
		return err
	}
	if ban != nil {
		e.logger.Info("Rejected write from banned poster", "anon_id", p.anonID, "ban_id", ban.ID)
		return bannedError(ban)
	}
	return nil
}

// authorize runs the token gate and then the rate limiter, so a request the gate
// refuses never spends quota.
func (e *Engine) authorize(ctx context.Context, p poster, action tokengate.Action) error {
	if e.gate != nil {
		if d := e.gate.Check(ctx, p.wallet, action); !d.Allowed {
			return gateError(d)
		}
	}
	if action == tokengate.ActionVote {
		return nil
	}
	if e.limiter.IsRateLimited(ctx, p.anonID, e.cfg.RateWindow, e.cfg.RateBurst) {
		wait := e.limiter.SecondsUntilReset(ctx, p.anonID)
		return &Error{
			Kind:       ErrRateLimited,
			Code:       "rate_limited",
			Message:    "You are posting too fast. Please wait a moment.",
			RetryAfter: wait,
		}
	}
	return nil
}

// storeImage runs an optional upload through the pipeline. The image is stored
// before any row references it.
func (e *Engine) storeImage(ctx context.Context, up *images.Upload) (images.Stored, error) {
	if up == nil {
		return images.Stored{}, nil
	}
	if e.images == nil {
		return images.Stored{}, dependency("storage_unavailable", "Image uploads are disabled.", nil)
	}
	stored, err := e.images.Process(ctx, *up)
	if err != nil {
		var rej *images.Rejection
		switch {
		case errors.As(err, &rej):
			return images.Stored{}, validation(rej.Code, rej.Message)
		case errors.Is(err, images.ErrStorage):
			return images.Stored{}, dependency("storage_unavailable", "Image storage is unavailable. Please try again later.", err)
		}
		return images.Stored{}, err
	}
	return stored, nil
}

// observe counts rejected writes by reason code.
func observe(err error) {
	if err == nil {
		return
	}
	if code := CodeOf(err); code != "" {
		metrics.Rejected(code)
		return
	}
	metrics.Rejected("internal")
}
