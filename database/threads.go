package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"basement/models"
)

// ThreadFlag names a boolean moderation column on threads.
type ThreadFlag string

const (
	FlagSticky ThreadFlag = "is_sticky"
	FlagLocked ThreadFlag = "is_locked"
)

const threadColumns = `t.id, t.board_id, b.slug, t.subject, t.op_text, t.op_image_url, t.op_thumb_url, t.op_image_hash,
	t.anon_id, t.trip_sig, t.ip_hash, t.is_sticky, t.is_locked, t.bump_at, t.created_at,
	(SELECT COUNT(*) FROM posts p WHERE p.thread_id = t.id)`

const postColumns = `id, thread_id, text, image_url, thumb_url, image_hash, anon_id, trip_sig, ip_hash, sage, likes, dislikes, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(s scanner) (models.Thread, error) {
	var t models.Thread
	err := s.Scan(&t.ID, &t.BoardID, &t.BoardSlug, &t.Subject, &t.OpText, &t.OpImageURL, &t.OpThumbURL, &t.ImageHash,
		&t.AnonID, &t.TripSig, &t.IPHash, &t.IsSticky, &t.IsLocked, &t.BumpAt, &t.CreatedAt, &t.ReplyCount)
	return t, err
}

func scanPost(s scanner) (models.Post, error) {
	var p models.Post
	err := s.Scan(&p.ID, &p.ThreadID, &p.Text, &p.ImageURL, &p.ThumbURL, &p.ImageHash, &p.AnonID, &p.TripSig, &p.IPHash,
		&p.Sage, &p.Likes, &p.Dislikes, &p.CreatedAt)
	return p, err
}

// --- Threads ---

// InsertThread writes a new thread row.
func (ds *DatabaseService) InsertThread(ctx context.Context, t *models.Thread) error {
	return ds.withTx(ctx, "InsertThread", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, board_id, subject, op_text, op_image_url, op_thumb_url, op_image_hash,
			                     anon_id, trip_sig, ip_hash, is_sticky, is_locked, bump_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.BoardID, t.Subject, t.OpText, t.OpImageURL, t.OpThumbURL, t.ImageHash,
			t.AnonID, t.TripSig, t.IPHash, t.IsSticky, t.IsLocked, t.BumpAt, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert thread: %w", err)
		}
		return nil
	})
}

// GetThread fetches one thread with its reply count.
func (ds *DatabaseService) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := ds.DB.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads t JOIN boards b ON b.id = t.board_id WHERE t.id = ?`, id)
	t, err := scanThread(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("thread '%s': %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("db error getting thread '%s': %w", id, err)
	}
	return &t, nil
}

// ListThreads returns a page of a board's threads, stickies first and then most recently bumped,
// along with the board's total thread count.
func (ds *DatabaseService) ListThreads(ctx context.Context, boardID int64, limit, offset int) ([]models.Thread, int, error) {
	var total int
	if err := ds.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM threads WHERE board_id = ?", boardID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threads: %w", err)
	}

	rows, err := ds.DB.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads t JOIN boards b ON b.id = t.board_id
		WHERE t.board_id = ?
		ORDER BY t.is_sticky DESC, t.bump_at DESC, t.created_at DESC
		LIMIT ? OFFSET ?`, boardID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListThreads", "error", err)
		}
	}()

	threads := []models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// InsertReply appends a reply to its thread and bumps the thread when decide says so.
// decide sees the thread's state as of just before the insert. Both writes commit together;
// a locked thread yields ErrLocked and nothing is written.
func (ds *DatabaseService) InsertReply(ctx context.Context, p *models.Post, decide func(models.ThreadState) bool) (bumped bool, err error) {
	err = ds.withTx(ctx, "InsertReply", func(tx *sql.Tx) error {
		var state models.ThreadState
		err := tx.QueryRowContext(ctx, "SELECT is_locked, (SELECT COUNT(*) FROM posts WHERE thread_id = threads.id) FROM threads WHERE id = ?", p.ThreadID).
			Scan(&state.Locked, &state.Replies)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("thread '%s': %w", p.ThreadID, ErrNotFound)
			}
			return fmt.Errorf("read thread state: %w", err)
		}
		if state.Locked {
			return fmt.Errorf("thread '%s': %w", p.ThreadID, ErrLocked)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO posts (id, thread_id, text, image_url, thumb_url, image_hash, anon_id, trip_sig, ip_hash, sage, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ThreadID, p.Text, p.ImageURL, p.ThumbURL, p.ImageHash, p.AnonID, p.TripSig, p.IPHash, p.Sage, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reply: %w", err)
		}

		if decide(state) {
			// bump_at only moves forward.
			if _, err := tx.ExecContext(ctx, "UPDATE threads SET bump_at = ? WHERE id = ? AND bump_at < ?", p.CreatedAt, p.ThreadID, p.CreatedAt); err != nil {
				return fmt.Errorf("failed to bump thread: %w", err)
			}
			bumped = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return bumped, nil
}

// SetThreadFlag sets a sticky or locked flag. Setting a flag to its current value is not an error.
func (ds *DatabaseService) SetThreadFlag(ctx context.Context, id string, flag ThreadFlag, value bool, modWallet string) error {
	if flag != FlagSticky && flag != FlagLocked {
		return fmt.Errorf("unknown thread flag %q", flag)
	}
	return ds.withTx(ctx, "SetThreadFlag", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE threads SET %s = ? WHERE id = ?", flag), value, id)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", flag, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("thread '%s': %w", id, ErrNotFound)
		}
		return LogModAction(ctx, tx, modWallet, flagAction(flag, value), id, "")
	})
}

func flagAction(flag ThreadFlag, value bool) string {
	switch {
	case flag == FlagSticky && value:
		return "sticky"
	case flag == FlagSticky:
		return "unsticky"
	case value:
		return "lock"
	default:
		return "unlock"
	}
}

// DeleteThread removes a thread; its posts and their votes go with it by cascade.
// It returns every image the deleted rows referenced.
func (ds *DatabaseService) DeleteThread(ctx context.Context, id, modWallet, details string) ([]models.ImageRef, error) {
	var refs []models.ImageRef
	err := ds.withTx(ctx, "DeleteThread", func(tx *sql.Tx) error {
		var op models.ImageRef
		err := tx.QueryRowContext(ctx, "SELECT op_image_url, op_thumb_url, op_image_hash FROM threads WHERE id = ?", id).
			Scan(&op.ImageURL, &op.ThumbURL, &op.Hash)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("thread '%s': %w", id, ErrNotFound)
			}
			return fmt.Errorf("read thread: %w", err)
		}
		refs = append(refs, op)

		rows, err := tx.QueryContext(ctx, "SELECT image_url, thumb_url, image_hash FROM posts WHERE thread_id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to query images for thread deletion: %w", err)
		}
		for rows.Next() {
			var r models.ImageRef
			if err := rows.Scan(&r.ImageURL, &r.ThumbURL, &r.Hash); err != nil {
				rows.Close()
				return fmt.Errorf("scan post image: %w", err)
			}
			refs = append(refs, r)
		}
		if err := rows.Close(); err != nil {
			ds.logger.Warn("Failed to close rows for thread images", "error", err)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete thread: %w", err)
		}
		if modWallet != "" {
			return LogModAction(ctx, tx, modWallet, "delete_thread", id, details)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// --- Posts ---

// GetPost fetches a single reply.
func (ds *DatabaseService) GetPost(ctx context.Context, id string) (*models.Post, error) {
	p, err := scanPost(ds.DB.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("post '%s': %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("db error getting post '%s': %w", id, err)
	}
	return &p, nil
}

// ListPosts returns a page of a thread's replies, oldest first, and the total reply count.
func (ds *DatabaseService) ListPosts(ctx context.Context, threadID string, limit, offset int) ([]models.Post, int, error) {
	var total int
	if err := ds.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE thread_id = ?", threadID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count posts: %w", err)
	}

	rows, err := ds.DB.QueryContext(ctx, "SELECT "+postColumns+" FROM posts WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?", threadID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListPosts", "error", err)
		}
	}()

	posts := []models.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, total, rows.Err()
}

// DeletePost removes one reply and returns the image it referenced.
func (ds *DatabaseService) DeletePost(ctx context.Context, id, modWallet, details string) (models.ImageRef, error) {
	var ref models.ImageRef
	err := ds.withTx(ctx, "DeletePost", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT image_url, thumb_url, image_hash FROM posts WHERE id = ?", id).Scan(&ref.ImageURL, &ref.ThumbURL, &ref.Hash)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("post '%s': %w", id, ErrNotFound)
			}
			return fmt.Errorf("read post: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete post: %w", err)
		}
		if modWallet != "" {
			return LogModAction(ctx, tx, modWallet, "delete_post", id, details)
		}
		return nil
	})
	return ref, err
}

// --- Images ---

// ImageInUse reports whether any thread or post still references url.
func (ds *DatabaseService) ImageInUse(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	var inUse bool
	err := ds.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM threads WHERE op_image_url = ?1 OR op_thumb_url = ?1)
		    OR EXISTS(SELECT 1 FROM posts WHERE image_url = ?1 OR thumb_url = ?1)`, url).Scan(&inUse)
	return inUse, err
}

// FindImageByHash returns a stored image with the given content hash, if any row references one.
func (ds *DatabaseService) FindImageByHash(ctx context.Context, hash string) (models.ImageRef, bool, error) {
	ref := models.ImageRef{Hash: hash}
	err := ds.DB.QueryRowContext(ctx, `
		SELECT image_url, thumb_url FROM (
			SELECT op_image_url AS image_url, op_thumb_url AS thumb_url FROM threads WHERE op_image_hash = ?1
			UNION ALL
			SELECT image_url, thumb_url FROM posts WHERE image_hash = ?1
		) WHERE image_url != '' AND thumb_url != '' LIMIT 1`, hash).Scan(&ref.ImageURL, &ref.ThumbURL)
	if err == sql.ErrNoRows {
		return models.ImageRef{}, false, nil
	}
	if err != nil {
		return models.ImageRef{}, false, err
	}
	return ref, true, nil
}

// --- Votes ---

// Vote records, changes or clears (like == nil) an anon ID's vote on a post and returns the new tally.
func (ds *DatabaseService) Vote(ctx context.Context, postID, anonID string, like *bool, now time.Time) (models.VoteTally, error) {
	var tally models.VoteTally
	err := ds.withTx(ctx, "Vote", func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM posts WHERE id = ?)", postID).Scan(&exists); err != nil {
			return fmt.Errorf("read post: %w", err)
		}
		if !exists {
			return fmt.Errorf("post '%s': %w", postID, ErrNotFound)
		}

		var prev sql.NullBool
		err := tx.QueryRowContext(ctx, "SELECT is_like FROM votes WHERE post_id = ? AND anon_id = ?", postID, anonID).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read vote: %w", err)
		}

		likes, dislikes := voteDelta(prev, like)
		if like == nil {
			_, err = tx.ExecContext(ctx, "DELETE FROM votes WHERE post_id = ? AND anon_id = ?", postID, anonID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO votes (post_id, anon_id, is_like, created_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(post_id, anon_id) DO UPDATE SET is_like = excluded.is_like`, postID, anonID, *like, now)
		}
		if err != nil {
			return fmt.Errorf("write vote: %w", err)
		}

		if likes != 0 || dislikes != 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE posts SET likes = likes + ?, dislikes = dislikes + ? WHERE id = ?", likes, dislikes, postID); err != nil {
				return fmt.Errorf("update tally: %w", err)
			}
		}
		return tx.QueryRowContext(ctx, "SELECT likes, dislikes FROM posts WHERE id = ?", postID).Scan(&tally.Likes, &tally.Dislikes)
	})
	return tally, err
}

// voteDelta is the change to (likes, dislikes) when a vote moves from prev to next.
func voteDelta(prev sql.NullBool, next *bool) (int, int) {
	likes, dislikes := 0, 0
	if prev.Valid {
		if prev.Bool {
			likes--
		} else {
			dislikes--
		}
	}
	if next != nil {
		if *next {
			likes++
		} else {
			dislikes++
		}
	}
	return likes, dislikes
}
