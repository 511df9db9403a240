package sqlite

// Entity documents are kept as JSON alongside the columns used for
// filtering. Every tag-bearing field is exploded into entity_tags so that
// filter expressions translate into EXISTS / NOT EXISTS probes.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		kind        TEXT NOT NULL,
		mid         TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		data        TEXT NOT NULL,
		PRIMARY KEY (kind, mid)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_tags (
		kind  TEXT NOT NULL,
		mid   TEXT NOT NULL,
		field TEXT NOT NULL,
		tag   TEXT NOT NULL,
		PRIMARY KEY (kind, mid, field, tag),
		FOREIGN KEY (kind, mid) REFERENCES entities(kind, mid) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entity_tags_lookup ON entity_tags(kind, field, tag)`,
	`CREATE TABLE IF NOT EXISTS cves (
		cve_id        TEXT PRIMARY KEY,
		published     TEXT,
		last_modified TEXT,
		description   TEXT NOT NULL DEFAULT '',
		cvss_score    REAL NOT NULL DEFAULT 0,
		cvss_severity TEXT,
		cvss_vector   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cves_score ON cves(cvss_score)`,
	`CREATE TABLE IF NOT EXISTS inputs (
		id         TEXT PRIMARY KEY,
		data_type  TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
}
