package forum

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"basement/database"
	"basement/images"
	"basement/models"
	"basement/utils"
)

const maxBanReasonLen = 500

// Moderator carries out admin actions. Every action checks the caller against the
// admin list first and is written to the moderation log in the same transaction.
type Moderator struct {
	db     *database.DatabaseService
	images *images.Pipeline
	clock  utils.Clock
	logger *slog.Logger
}

func NewModerator(deps Deps, logger *slog.Logger) *Moderator {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	return &Moderator{db: deps.DB, images: deps.Images, clock: deps.Clock, logger: logger}
}

// Authorize returns nil when wallet belongs to an admin.
func (m *Moderator) Authorize(ctx context.Context, wallet string) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return unauthorized("wallet_required", "Connect a wallet to moderate.")
	}
	ok, err := m.db.IsAdmin(ctx, wallet)
	if err != nil {
		return err
	}
	if !ok {
		return unauthorized("not_admin", "This wallet is not a moderator.")
	}
	return nil
}

// DeleteThread removes a thread and all its replies, then cleans up their images.
// Image cleanup is best effort and never undoes the delete.
func (m *Moderator) DeleteThread(ctx context.Context, wallet, id, reason string) (err error) {
	defer func() { observe(err) }()
	if err := m.Authorize(ctx, wallet); err != nil {
		return err
	}
	refs, err := m.db.DeleteThread(ctx, id, strings.ToLower(wallet), reason)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return notFound("thread_not_found", "Thread not found.")
		}
		return err
	}
	m.logger.Info("Thread deleted", "thread_id", id, "images", len(refs))
	releaseImages(ctx, m.db, m.images, m.logger, refs...)
	return nil
}

// DeletePost removes a single reply and then its image.
func (m *Moderator) DeletePost(ctx context.Context, wallet, id, reason string) (err error) {
	defer func() { observe(err) }()
	if err := m.Authorize(ctx, wallet); err != nil {
		return err
	}
	ref, err := m.db.DeletePost(ctx, id, strings.ToLower(wallet), reason)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return notFound("post_not_found", "Post not found.")
		}
		return err
	}
	m.logger.Info("Post deleted", "post_id", id)
	releaseImages(ctx, m.db, m.images, m.logger, ref)
	return nil
}

// Sticky pins a thread above the others on its board. bumpAt is untouched.
func (m *Moderator) Sticky(ctx context.Context, wallet, id string) error {
	return m.setFlag(ctx, wallet, id, database.FlagSticky, true)
}

func (m *Moderator) Unsticky(ctx context.Context, wallet, id string) error {
	return m.setFlag(ctx, wallet, id, database.FlagSticky, false)
}

// Lock stops a thread from accepting replies.
func (m *Moderator) Lock(ctx context.Context, wallet, id string) error {
	return m.setFlag(ctx, wallet, id, database.FlagLocked, true)
}

func (m *Moderator) Unlock(ctx context.Context, wallet, id string) error {
	return m.setFlag(ctx, wallet, id, database.FlagLocked, false)
}

func (m *Moderator) setFlag(ctx context.Context, wallet, id string, flag database.ThreadFlag, value bool) (err error) {
	defer func() { observe(err) }()
	if err := m.Authorize(ctx, wallet); err != nil {
		return err
	}
	if err := m.db.SetThreadFlag(ctx, id, flag, value, strings.ToLower(wallet)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return notFound("thread_not_found", "Thread not found.")
		}
		return err
	}
	m.logger.Info("Thread flag changed", "thread_id", id, "flag", string(flag), "value", value)
	return nil
}

// BanRequest names who to ban. PostID, when set, fills the anon ID and IP hash
// from that reply or thread so moderators never handle raw identifiers.
type BanRequest struct {
	WalletAddr string     `json:"walletAddr"`
	AnonID     string     `json:"anonId"`
	IPHash     string     `json:"ipHash"`
	PostID     string     `json:"postId"`
	Reason     string     `json:"reason"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

// Ban records a ban on at least one target. A nil expiry bans permanently.
func (m *Moderator) Ban(ctx context.Context, wallet string, req BanRequest) (_ *models.Ban, err error) {
	defer func() { observe(err) }()
	if err := m.Authorize(ctx, wallet); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if req.PostID != "" {
		if err := m.resolveBanTarget(ctx, &req); err != nil {
			return nil, err
		}
	}
	req.WalletAddr = strings.TrimSpace(req.WalletAddr)
	if req.WalletAddr != "" && !utils.IsValidWalletAddress(req.WalletAddr) {
		return nil, validation("invalid_wallet", "Invalid wallet address.")
	}
	if req.WalletAddr == "" && strings.TrimSpace(req.AnonID) == "" && strings.TrimSpace(req.IPHash) == "" {
		return nil, validation("ban_target_required", "A ban needs a wallet, anon ID or IP hash.")
	}
	reason := utils.SanitizeBody(req.Reason, maxBanReasonLen)
	if reason == "" {
		return nil, validation("ban_reason_required", "A ban needs a reason.")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, validation("ban_expiry_past", "Ban expiry must be in the future.")
	}

	ban := &models.Ban{
		WalletAddr: strings.ToLower(req.WalletAddr),
		AnonID:     strings.TrimSpace(req.AnonID),
		IPHash:     strings.TrimSpace(req.IPHash),
		Reason:     reason,
		CreatedAt:  now,
	}
	if req.ExpiresAt != nil {
		ban.ExpiresAt.Time, ban.ExpiresAt.Valid = req.ExpiresAt.UTC(), true
	}
	if err := m.db.CreateBan(ctx, ban, strings.ToLower(wallet)); err != nil {
		return nil, err
	}
	m.logger.Info("Ban created", "ban_id", ban.ID, "anon_id", ban.AnonID, "permanent", !ban.ExpiresAt.Valid)
	return ban, nil
}

func (m *Moderator) resolveBanTarget(ctx context.Context, req *BanRequest) error {
	if p, err := m.db.GetPost(ctx, req.PostID); err == nil {
		fillBanTarget(req, p.AnonID, p.IPHash)
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	t, err := m.db.GetThread(ctx, req.PostID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return notFound("post_not_found", "Post not found.")
		}
		return err
	}
	fillBanTarget(req, t.AnonID, t.IPHash)
	return nil
}

// fillBanTarget copies a post's identifiers into req. Posts made with the address
// shown carry the wallet in place of the anon ID, so that becomes a wallet ban.
func fillBanTarget(req *BanRequest, shownID, ipHash string) {
	req.IPHash = ipHash
	if utils.IsValidWalletAddress(shownID) {
		req.WalletAddr = shownID
		return
	}
	req.AnonID = shownID
}

// ListBans returns bans currently in force.
func (m *Moderator) ListBans(ctx context.Context, wallet string) ([]models.Ban, error) {
	if err := m.Authorize(ctx, wallet); err != nil {
		return nil, err
	}
	return m.db.ListActiveBans(ctx, m.clock.Now())
}

// ModLog returns the most recent moderation actions.
func (m *Moderator) ModLog(ctx context.Context, wallet string, limit int) ([]models.ModAction, error) {
	if err := m.Authorize(ctx, wallet); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.db.ListModActions(ctx, limit)
}

// CreateBoard adds a board.
func (m *Moderator) CreateBoard(ctx context.Context, wallet, slug, title, about string) (*models.Board, error) {
	if err := m.Authorize(ctx, wallet); err != nil {
		return nil, err
	}
	return createBoard(ctx, m.db, m.clock, strings.ToLower(wallet), slug, title, about)
}

// releaseImages deletes stored images that no remaining row references.
// Identical uploads share one object, so an image still in use elsewhere is kept.
func releaseImages(ctx context.Context, db *database.DatabaseService, pipeline *images.Pipeline, logger *slog.Logger, refs ...models.ImageRef) {
	if pipeline == nil {
		return
	}
	seen := make(map[string]bool)
	for _, ref := range refs {
		if ref.ImageURL == "" && ref.ThumbURL == "" {
			continue
		}
		key := ref.ImageURL + "|" + ref.ThumbURL
		if seen[key] {
			continue
		}
		seen[key] = true

		inUse, err := db.ImageInUse(ctx, ref.ImageURL)
		if err != nil {
			logger.Warn("Could not check image references, keeping image", "image", ref.ImageURL, "error", err)
			continue
		}
		if inUse {
			continue
		}
		pipeline.Delete(ctx, ref.ImageURL, ref.ThumbURL)
	}
}
