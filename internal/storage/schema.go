package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// boardNameRe restricts board names to what the remote itself allows; board
// names become table identifiers, so nothing else gets through.
var boardNameRe = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

// ValidBoardName reports whether a configured board name is safe to use as a
// table identifier.
func ValidBoardName(board string) bool { return boardNameRe.MatchString(board) }

// boardDDL renders the three per-board tables of the Asagi layout. docIDCol
// carries the backend's auto-increment spelling; inlineIndexes puts the
// secondary indexes inside CREATE TABLE for the backend that has no
// CREATE INDEX IF NOT EXISTS.
func boardDDL(board, docIDCol string, inlineIndexes bool) []string {
	indexClause := ""
	if inlineIndexes {
		indexClause = `,
	INDEX thread_num_idx (thread_num),
	INDEX media_hash_idx (media_hash(32))`
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + quoteIdent(board) + ` (
	doc_id ` + docIDCol + `,
	media_id INTEGER NOT NULL DEFAULT 0,
	poster_ip VARCHAR(64) NOT NULL DEFAULT '0',
	num INTEGER NOT NULL,
	subnum INTEGER NOT NULL DEFAULT 0,
	thread_num INTEGER NOT NULL DEFAULT 0,
	op INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL DEFAULT 0,
	timestamp_expired INTEGER NOT NULL DEFAULT 0,
	preview_orig TEXT,
	preview_w INTEGER NOT NULL DEFAULT 0,
	preview_h INTEGER NOT NULL DEFAULT 0,
	media_filename TEXT,
	media_w INTEGER NOT NULL DEFAULT 0,
	media_h INTEGER NOT NULL DEFAULT 0,
	media_size INTEGER NOT NULL DEFAULT 0,
	media_hash VARCHAR(32),
	media_orig TEXT,
	spoiler INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	capcode VARCHAR(4) NOT NULL DEFAULT 'N',
	email TEXT,
	name TEXT,
	trip TEXT,
	title TEXT,
	comment TEXT,
	delpass TEXT,
	sticky INTEGER NOT NULL DEFAULT 0,
	locked INTEGER NOT NULL DEFAULT 0,
	poster_hash TEXT,
	poster_country TEXT,
	exif TEXT,
	UNIQUE (num, subnum)` + indexClause + `
)`,
	}

	if !inlineIndexes {
		ddl = append(ddl,
			`CREATE INDEX IF NOT EXISTS `+quoteIdent(board+"_thread_num_idx")+` ON `+quoteIdent(board)+` (thread_num)`,
			`CREATE INDEX IF NOT EXISTS `+quoteIdent(board+"_media_hash_idx")+` ON `+quoteIdent(board)+` (media_hash)`,
		)
	}

	ddl = append(ddl,
		`CREATE TABLE IF NOT EXISTS `+quoteIdent(board+"_images")+` (
	media_id `+docIDCol+`,
	media_hash VARCHAR(32) NOT NULL,
	media TEXT,
	preview_op TEXT,
	preview_reply TEXT,
	total INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	UNIQUE (media_hash)
)`,
		`CREATE TABLE IF NOT EXISTS `+quoteIdent(board+"_threads")+` (
	thread_num INTEGER NOT NULL PRIMARY KEY,
	time_op INTEGER NOT NULL DEFAULT 0,
	time_last INTEGER NOT NULL DEFAULT 0,
	time_bump INTEGER NOT NULL DEFAULT 0,
	time_ghost INTEGER,
	time_ghost_bump INTEGER,
	time_last_modified INTEGER NOT NULL DEFAULT 0,
	nreplies INTEGER NOT NULL DEFAULT 0,
	nimages INTEGER NOT NULL DEFAULT 0,
	sticky INTEGER NOT NULL DEFAULT 0,
	locked INTEGER NOT NULL DEFAULT 0
)`,
	)
	return ddl
}

func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "") + "`"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func rowPlaceholders(cols, rows int) string {
	one := "(" + placeholders(cols) + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = one
	}
	return strings.Join(parts, ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func errBoardName(board string) error {
	return fmt.Errorf("invalid board name %q", board)
}
