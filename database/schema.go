package database

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS boards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	about TEXT NOT NULL DEFAULT '',
	is_hidden BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	board_id INTEGER NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	op_text TEXT NOT NULL,
	op_image_url TEXT NOT NULL DEFAULT '',
	op_thumb_url TEXT NOT NULL DEFAULT '',
	op_image_hash TEXT NOT NULL DEFAULT '',
	anon_id TEXT NOT NULL,
	trip_sig TEXT NOT NULL DEFAULT '',
	ip_hash TEXT NOT NULL DEFAULT '',
	is_sticky BOOLEAN NOT NULL DEFAULT 0,
	is_locked BOOLEAN NOT NULL DEFAULT 0,
	bump_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (board_id) REFERENCES boards(id)
);
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	text TEXT NOT NULL,
	image_url TEXT NOT NULL DEFAULT '',
	thumb_url TEXT NOT NULL DEFAULT '',
	image_hash TEXT NOT NULL DEFAULT '',
	anon_id TEXT NOT NULL,
	trip_sig TEXT NOT NULL DEFAULT '',
	ip_hash TEXT NOT NULL DEFAULT '',
	sage BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);
-- A ban names at least one of wallet, anon ID or IP hash
CREATE TABLE IF NOT EXISTS bans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wallet_addr TEXT,
	anon_id TEXT,
	ip_hash TEXT,
	reason TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	CHECK (wallet_addr IS NOT NULL OR anon_id IS NOT NULL OR ip_hash IS NOT NULL)
);
CREATE TABLE IF NOT EXISTS admins (
	wallet_addr TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS mod_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	mod_wallet TEXT NOT NULL,
	action TEXT NOT NULL,
	target_id TEXT,
	details TEXT
);

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_threads_board_bump ON threads(board_id, is_sticky DESC, bump_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_thread_created ON posts(thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bans_wallet ON bans(wallet_addr);
CREATE INDEX IF NOT EXISTS idx_bans_anon ON bans(anon_id);
CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip_hash);
CREATE INDEX IF NOT EXISTS idx_mod_actions_time ON mod_actions(timestamp DESC);
`

// defaultBoards are created on first start.
var defaultBoards = []struct{ Slug, Title, About string }{
	{"g", "Technology", "Computers, software and gadgets."},
	{"biz", "Business & Finance", "Markets, tokens and money."},
	{"a", "Anime & Manga", "Japanese animation and comics."},
	{"b", "Random", "The anything-goes board."},
}
