package storage

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL that differs between the two supported backends:
// the upsert conflict clause and the DDL flavor. Both drivers take `?`
// placeholders, so statement building is otherwise shared.
type Dialect interface {
	Name() string
	// UpsertClause completes an INSERT with conflict handling on the given
	// key columns, overwriting updateCols from the incoming row.
	UpsertClause(conflictCols string, updateCols []string) string
	// CreateBoardSQL returns the DDL for one board's table trio.
	CreateBoardSQL(board string) []string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) UpsertClause(conflictCols string, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s=excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictCols, strings.Join(sets, ", "))
}

func (sqliteDialect) CreateBoardSQL(board string) []string {
	return boardDDL(board, "INTEGER PRIMARY KEY AUTOINCREMENT", false)
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) UpsertClause(_ string, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s=VALUES(%s)", c, c)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (mysqlDialect) CreateBoardSQL(board string) []string {
	return boardDDL(board, "INTEGER NOT NULL AUTO_INCREMENT PRIMARY KEY", true)
}

// upsertImageClause differs beyond column rewrites: total increments and
// media keeps its first non-null value.
func upsertImageClause(d Dialect) string {
	if d.Name() == "mysql" {
		return "ON DUPLICATE KEY UPDATE total = total + 1, media = COALESCE(media, VALUES(media))"
	}
	return "ON CONFLICT(media_hash) DO UPDATE SET total = total + 1, media = COALESCE(media, excluded.media)"
}
