package config

import (
	"strconv"
	"strings"
)

// URL template expansion. Templates use {board}, {thread_id}, {tim}, {ext}.

func (e Endpoints) CatalogURL(board string) string {
	return expand(e.Catalog, "{board}", board)
}

func (e Endpoints) ThreadURL(board string, tid int64) string {
	return expand(e.Thread, "{board}", board, "{thread_id}", strconv.FormatInt(tid, 10))
}

func (e Endpoints) ArchiveURL(board string) string {
	return expand(e.Archive, "{board}", board)
}

func (e Endpoints) BoardsURL() string {
	return e.Boards
}

func (e Endpoints) FullMediaURL(board string, tim int64, ext string) string {
	return expand(e.FullMedia, "{board}", board, "{tim}", strconv.FormatInt(tim, 10), "{ext}", ext)
}

func (e Endpoints) ThumbnailURL(board string, tim int64) string {
	return expand(e.Thumbnail, "{board}", board, "{tim}", strconv.FormatInt(tim, 10))
}

func expand(tmpl string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
