package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS state (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	type     TEXT NOT NULL,
	via      TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	year     INTEGER NOT NULL DEFAULT 0,
	season   INTEGER NOT NULL DEFAULT 0,
	episode  INTEGER NOT NULL DEFAULT 0,
	watched  INTEGER NOT NULL DEFAULT 0,
	updated  INTEGER NOT NULL DEFAULT 0,
	progress INTEGER,
	tainted  INTEGER NOT NULL DEFAULT 0,
	guids    TEXT NOT NULL DEFAULT '{}',
	parent   TEXT NOT NULL DEFAULT '{}',
	virtual  TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	extra    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS state_pointer (
	pointer  TEXT NOT NULL,
	state_id INTEGER NOT NULL,
	PRIMARY KEY (pointer, state_id)
);

CREATE INDEX IF NOT EXISTS idx_state_pointer_state_id ON state_pointer(state_id);
CREATE INDEX IF NOT EXISTS idx_state_updated ON state(updated);
CREATE INDEX IF NOT EXISTS idx_state_via ON state(via);
`
