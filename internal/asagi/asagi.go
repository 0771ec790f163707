// Package asagi maps wire posts onto the Asagi relational layout: the
// per-board post row, the _images sidecar row, capcode codes, and the
// HTML-to-bbcode comment rewrite the schema expects.
package asagi

import (
	"fmt"
	"html"

	"github.com/steveyegge/ritual/internal/chanapi"
)

// PostRow is one row of the per-board post table, keyed on (num, subnum).
type PostRow struct {
	MediaID          int64
	PosterIP         string
	Num              int64
	Subnum           int64
	ThreadNum        int64
	OP               int
	Timestamp        int64
	TimestampExpired int64
	PreviewOrig      *string
	PreviewW         int
	PreviewH         int
	MediaFilename    *string
	MediaW           int
	MediaH           int
	MediaSize        int64
	MediaHash        *string
	MediaOrig        *string
	Spoiler          int
	Deleted          int
	Capcode          string
	Email            *string
	Name             *string
	Trip             *string
	Title            *string
	Comment          *string
	Delpass          *string
	Sticky           int
	Locked           int
	PosterHash       *string
	PosterCountry    *string
	Exif             *string
}

// ThreadRow is one row of the per-board _threads sidecar.
type ThreadRow struct {
	ThreadNum        int64
	TimeOp           int64
	TimeLast         int64
	TimeBump         int64
	TimeGhost        *int64
	TimeGhostBump    *int64
	TimeLastModified int64
	NReplies         int
	NImages          int
	Sticky           int
	Locked           int
}

// ImageRow is one row of the per-board _images sidecar, keyed on media_hash.
type ImageRow struct {
	MediaHash    string
	Media        *string
	PreviewOp    *string
	PreviewReply *string
	Total        int
	Banned       int
}

// Capcode converts an API capcode to its single-letter Asagi code. Unknown
// non-empty capcodes collapse to moderator.
func Capcode(a string) string {
	switch a {
	case "":
		return "N"
	case "mod":
		return "M"
	case "admin", "admin_highlight":
		return "A"
	case "developer":
		return "D"
	case "verified":
		return "V"
	case "founder":
		return "F"
	case "manager":
		return "G"
	default:
		return "M"
	}
}

// FullMediaName is the stored filename for a post's full media: {tim}{ext}.
func FullMediaName(p *chanapi.Post) string {
	if !p.HasFile() {
		return ""
	}
	return fmt.Sprintf("%d%s", p.Tim, p.Ext)
}

// ThumbName is the stored filename for a post's thumbnail: {tim}s.jpg.
func ThumbName(p *chanapi.Post) string {
	if !p.HasFile() {
		return ""
	}
	return fmt.Sprintf("%ds.jpg", p.Tim)
}

// BuildPostRow converts a wire post to its Asagi row. When unescape is set,
// name/title are entity-unescaped and the comment is rewritten to bbcode;
// otherwise text fields are stored as received.
func BuildPostRow(p *chanapi.Post, unescape bool) PostRow {
	row := PostRow{
		PosterIP:         "0",
		Num:              p.No,
		Subnum:           0,
		ThreadNum:        p.ThreadID(),
		Timestamp:        p.Time,
		TimestampExpired: p.ArchivedOn,
		PreviewW:         p.TnW,
		PreviewH:         p.TnH,
		MediaW:           p.W,
		MediaH:           p.H,
		MediaSize:        p.Fsize,
		Spoiler:          p.Spoiler,
		Deleted:          p.FileDeleted,
		Capcode:          Capcode(p.Capcode),
		Sticky:           p.Sticky,
		Locked:           p.Closed,
	}
	if p.IsOP() {
		row.OP = 1
	}
	if p.HasFile() {
		row.PreviewOrig = strPtr(ThumbName(p))
		row.MediaOrig = strPtr(FullMediaName(p))
		row.MediaHash = strPtr(p.MD5)
	}
	if p.Filename != "" && p.Ext != "" {
		name := p.Filename + p.Ext
		if unescape {
			name = html.UnescapeString(name)
		}
		row.MediaFilename = strPtr(name)
	}
	if p.Email != "" {
		row.Email = strPtr(p.Email)
	}
	if p.Name != "" {
		name := p.Name
		if unescape {
			name = html.UnescapeString(name)
		}
		row.Name = strPtr(name)
	}
	if p.Trip != "" {
		row.Trip = strPtr(p.Trip)
	}
	if p.Sub != "" {
		title := p.Sub
		if unescape {
			title = html.UnescapeString(title)
		}
		row.Title = strPtr(title)
	}
	if p.Com != "" {
		comment := p.Com
		if unescape {
			comment = CommentToBBCode(comment)
		}
		row.Comment = strPtr(comment)
	}
	if p.ID != "" {
		row.PosterHash = strPtr(p.ID)
	}
	if p.CountryName != "" {
		row.PosterCountry = strPtr(p.CountryName)
	}
	if exif := chanapi.ExifBlob(p); exif != "" {
		row.Exif = strPtr(exif)
	}
	return row
}

// BuildImageRow converts a post's media to its _images row.
func BuildImageRow(p *chanapi.Post, isOP bool) ImageRow {
	row := ImageRow{
		MediaHash: p.MD5,
		Media:     strPtr(FullMediaName(p)),
	}
	thumb := strPtr(ThumbName(p))
	if isOP {
		row.PreviewOp = thumb
	} else {
		row.PreviewReply = thumb
	}
	return row
}

// IsVideo reports whether a post's media is paced on the video cooldown.
func IsVideo(ext string) bool {
	switch ext {
	case ".webm", ".mp4", ".gif":
		return true
	}
	return false
}

func strPtr(s string) *string { return &s }
