// Package chanapi defines the wire types for the remote imageboard JSON API
// (catalog, thread, archive, and boards endpoints) and their validation.
//
// The types map the API's JSON directly; unknown fields are tolerated and
// dropped by the decoder, malformed typed fields fail validation.
package chanapi

import "encoding/json"

// Post is a single post as served by the thread endpoint. A post with
// Resto == 0 is the opening post of its thread.
type Post struct {
	No            int64  `json:"no"`
	Resto         int64  `json:"resto"`
	Sticky        int    `json:"sticky"`
	Closed        int    `json:"closed"`
	Now           string `json:"now"`
	Time          int64  `json:"time"`
	Name          string `json:"name"`
	Trip          string `json:"trip"`
	ID            string `json:"id"`
	Capcode       string `json:"capcode"`
	Country       string `json:"country"`
	CountryName   string `json:"country_name"`
	Email         string `json:"email"`
	Sub           string `json:"sub"`
	Com           string `json:"com"`
	Tim           int64  `json:"tim"`
	Filename      string `json:"filename"`
	Ext           string `json:"ext"`
	Fsize         int64  `json:"fsize"`
	MD5           string `json:"md5"`
	W             int    `json:"w"`
	H             int    `json:"h"`
	TnW           int    `json:"tn_w"`
	TnH           int    `json:"tn_h"`
	FileDeleted   int    `json:"filedeleted"`
	Spoiler       int    `json:"spoiler"`
	CustomSpoiler int    `json:"custom_spoiler"`
	UniqueIPs     int    `json:"unique_ips"`
	ArchivedOn    int64  `json:"archived_on"`
}

// ThreadID returns the thread a post belongs to: its own number for an OP,
// the reply target otherwise.
func (p *Post) ThreadID() int64 {
	if p.Resto == 0 {
		return p.No
	}
	return p.Resto
}

// IsOP reports whether the post opens its thread.
func (p *Post) IsOP() bool { return p.Resto == 0 }

// HasFile reports whether the post carries an attached media file.
func (p *Post) HasFile() bool { return p.Tim != 0 && p.Ext != "" && p.MD5 != "" }

// Thread is an OP entry from the catalog: the opening post plus the catalog's
// thread-level metadata and its preview of the most recent replies.
type Thread struct {
	Post
	LastModified  int64  `json:"last_modified"`
	Replies       int    `json:"replies"`
	Images        int    `json:"images"`
	OmittedPosts  int    `json:"omitted_posts"`
	OmittedImages int    `json:"omitted_images"`
	BumpLimit     int    `json:"bumplimit"`
	ImageLimit    int    `json:"imagelimit"`
	LastReplies   []Post `json:"last_replies"`
}

// BumpTime is the best-effort time of the thread's last bump: the catalog's
// last_modified when present, the OP timestamp otherwise.
func (t *Thread) BumpTime() int64 {
	if t.LastModified != 0 {
		return t.LastModified
	}
	return t.Time
}

// CatalogPage is one page of the catalog endpoint.
type CatalogPage struct {
	Page    int      `json:"page"`
	Threads []Thread `json:"threads"`
}

// ThreadResponse is the body of the thread endpoint.
type ThreadResponse struct {
	Posts []Post `json:"posts"`
}

// Board is one entry of the boards endpoint. Only the fields the archiver
// consults are mapped.
type Board struct {
	Board       string `json:"board"`
	Title       string `json:"title"`
	IsArchived  int    `json:"is_archived"`
	Pages       int    `json:"pages"`
	PerPage     int    `json:"per_page"`
	WsBoard     int    `json:"ws_board"`
	BumpLimit   int    `json:"bump_limit"`
	ImageLimit  int    `json:"image_limit"`
	MaxFilesize int64  `json:"max_filesize"`
}

// BoardsResponse is the body of the boards endpoint.
type BoardsResponse struct {
	Boards []Board `json:"boards"`
}

// ExifBlob renders the exif JSON column payload for a post, or "" when the
// post has nothing to record there.
func ExifBlob(p *Post) string {
	if p.UniqueIPs == 0 {
		return ""
	}
	b, err := json.Marshal(map[string]int{"uniqueIps": p.UniqueIPs})
	if err != nil {
		return ""
	}
	return string(b)
}
