package store

// captured_at holds Unix microseconds so ordering is exact on both dialects.
// Query columns compare byte for byte: on MySQL they are declared with a binary
// collation, SQLite's default BINARY collation already does.
var schema = map[string][]string{
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS cache (
			captured_at BIGINT NOT NULL,
			course_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			term_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			program_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			section_id VARCHAR(32) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			snapshot JSON NOT NULL,
			INDEX idx_cache_query (course_id, term_id, program_id, section_id, captured_at DESC)
		)`,
		`CREATE TABLE IF NOT EXISTS watchers (
			subscriber_id BIGINT NOT NULL,
			course_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			term_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			program_id VARCHAR(64) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			section_id VARCHAR(32) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
			INDEX idx_watchers_query (course_id, term_id, program_id, section_id)
		)`,
	},
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS cache (
			captured_at INTEGER NOT NULL,
			course_id TEXT NOT NULL,
			term_id TEXT NOT NULL,
			program_id TEXT NOT NULL,
			section_id TEXT NOT NULL,
			snapshot TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_query
			ON cache (course_id, term_id, program_id, section_id, captured_at DESC)`,
		`CREATE TABLE IF NOT EXISTS watchers (
			subscriber_id INTEGER NOT NULL,
			course_id TEXT NOT NULL,
			term_id TEXT NOT NULL,
			program_id TEXT NOT NULL,
			section_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchers_query
			ON watchers (course_id, term_id, program_id, section_id)`,
	},
}

var requiredTables = []string{"cache", "watchers"}
