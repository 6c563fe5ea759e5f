// basement/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Post voting: running tallies on posts, one vote row per (post, anon ID)
ALTER TABLE posts ADD COLUMN likes INTEGER NOT NULL DEFAULT 0;
ALTER TABLE posts ADD COLUMN dislikes INTEGER NOT NULL DEFAULT 0;
CREATE TABLE IF NOT EXISTS votes (
	post_id TEXT NOT NULL,
	anon_id TEXT NOT NULL,
	is_like BOOLEAN NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (post_id, anon_id),
	FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
);
		`,
	},
	{
		Version: 2,
		Query: `
-- Image lookups for upload dedup and orphan checks on delete
CREATE INDEX IF NOT EXISTS idx_posts_image_hash ON posts(image_hash);
CREATE INDEX IF NOT EXISTS idx_posts_image_url ON posts(image_url);
CREATE INDEX IF NOT EXISTS idx_threads_image_hash ON threads(op_image_hash);
CREATE INDEX IF NOT EXISTS idx_threads_image_url ON threads(op_image_url);
		`,
	},
}
