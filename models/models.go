// basement/models/models.go
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// --- Core Data Models ---

type Board struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	About       string    `json:"about,omitempty"`
	IsHidden    bool      `json:"isHidden"`
	CreatedAt   time.Time `json:"createdAt"`
	ThreadCount int       `json:"threadCount"`
}

type Thread struct {
	ID         string    `json:"id"`
	BoardID    int64     `json:"boardId"`
	BoardSlug  string    `json:"boardSlug,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	OpText     string    `json:"opText"`
	OpImageURL string    `json:"opImageUrl,omitempty"`
	OpThumbURL string    `json:"opThumbUrl,omitempty"`
	AnonID     string    `json:"anonId"`
	TripSig    string    `json:"tripSig,omitempty"`
	IsSticky   bool      `json:"isSticky"`
	IsLocked   bool      `json:"isLocked"`
	BumpAt     time.Time `json:"bumpAt"`
	CreatedAt  time.Time `json:"createdAt"`
	ReplyCount int       `json:"replyCount"`
	ImageHash  string    `json:"-"`
	IPHash     string    `json:"-"`
}

type Post struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Text      string    `json:"text"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	ThumbURL  string    `json:"thumbUrl,omitempty"`
	AnonID    string    `json:"anonId"`
	TripSig   string    `json:"tripSig,omitempty"`
	Sage      bool      `json:"sage"`
	Likes     int       `json:"likes"`
	Dislikes  int       `json:"dislikes"`
	CreatedAt time.Time `json:"createdAt"`
	ImageHash string    `json:"-"`
	IPHash    string    `json:"-"`
}

// ImageRef is a stored image and its thumbnail, as referenced by a thread or post row.
type ImageRef struct {
	ImageURL string
	ThumbURL string
	Hash     string
}

// ThreadState is the reply-relevant state of a thread, read inside the reply transaction.
type ThreadState struct {
	Locked  bool
	Replies int
}

// VoteTally is the running like/dislike count of a post.
type VoteTally struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination builds page metadata; pages are 1-based.
func NewPagination(page, pageSize, total int) Pagination {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages}
}

// --- Moderation Models ---

type Ban struct {
	ID         int64        `json:"id"`
	WalletAddr string       `json:"walletAddr,omitempty"`
	AnonID     string       `json:"anonId,omitempty"`
	IPHash     string       `json:"ipHash,omitempty"`
	Reason     string       `json:"reason"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  sql.NullTime `json:"-"`
}

// Expiry returns the ban's expiry, or nil for a permanent ban.
func (b Ban) Expiry() *time.Time {
	if !b.ExpiresAt.Valid {
		return nil
	}
	t := b.ExpiresAt.Time
	return &t
}

func (b Ban) MarshalJSON() ([]byte, error) {
	type plain Ban
	return json.Marshal(struct {
		plain
		ExpiresAt *time.Time `json:"expiresAt"`
	}{plain(b), b.Expiry()})
}

type ModAction struct {
	ID        int64
	Timestamp time.Time
	ModWallet string
	Action    string
	TargetID  sql.NullString
	Details   sql.NullString
}
