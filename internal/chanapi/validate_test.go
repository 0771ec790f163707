package chanapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPost() Post {
	return Post{
		No:    1001,
		Resto: 1000,
		Time:  1717755968,
		Com:   "a reply",
	}
}

func validFilePost() Post {
	p := validPost()
	p.Tim = 1717755968123
	p.Ext = ".jpg"
	p.MD5 = "1B2M2Y8AsgTpgAmY7PhCfg=="
	p.Fsize = 12345
	return p
}

func TestValidatePost(t *testing.T) {
	p := validPost()
	require.NoError(t, ValidatePost(&p))

	f := validFilePost()
	require.NoError(t, ValidatePost(&f))
}

func TestValidatePostRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Post)
	}{
		{"zero no", func(p *Post) { p.No = 0 }},
		{"negative no", func(p *Post) { p.No = -5 }},
		{"negative resto", func(p *Post) { p.Resto = -1 }},
		{"zero time", func(p *Post) { p.Time = 0 }},
		{"unknown capcode", func(p *Post) { p.Capcode = "janitor" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPost()
			tt.mutate(&p)
			assert.Error(t, ValidatePost(&p))
		})
	}
}

func TestValidatePostFileFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Post)
	}{
		{"unknown ext", func(p *Post) { p.Ext = ".exe" }},
		{"short md5", func(p *Post) { p.MD5 = "abc" }},
		{"bad base64 md5", func(p *Post) { p.MD5 = "!!!!!!!!!!!!!!!!!!!!!!!!" }},
		{"missing tim", func(p *Post) { p.Tim = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validFilePost()
			tt.mutate(&p)
			assert.Error(t, ValidatePost(&p))
		})
	}
}

func TestValidatePostCapcodes(t *testing.T) {
	for _, c := range []string{"", "mod", "admin", "admin_highlight", "developer", "verified", "founder", "manager"} {
		p := validPost()
		p.Capcode = c
		assert.NoError(t, ValidatePost(&p), "capcode %q", c)
	}
}

func TestValidateThread(t *testing.T) {
	th := Thread{
		Post: Post{No: 100, Time: 1717755968},
		LastModified: 1717755999,
		Replies:      3,
	}
	require.NoError(t, ValidateThread(&th))

	th.Resto = 99
	assert.Error(t, ValidateThread(&th), "catalog thread must be an OP")

	th.Resto = 0
	th.Replies = -1
	assert.Error(t, ValidateThread(&th))
}

func TestValidateThreadLastReplies(t *testing.T) {
	th := Thread{
		Post:    Post{No: 100, Time: 1717755968},
		Replies: 2,
		LastReplies: []Post{
			{No: 101, Resto: 100, Time: 1717755970},
			{No: 0, Resto: 100, Time: 1717755971}, // invalid
		},
	}
	assert.Error(t, ValidateThread(&th))
}

func TestThreadID(t *testing.T) {
	op := Post{No: 100, Resto: 0}
	reply := Post{No: 105, Resto: 100}
	assert.Equal(t, int64(100), op.ThreadID())
	assert.Equal(t, int64(100), reply.ThreadID())
	assert.True(t, op.IsOP())
	assert.False(t, reply.IsOP())
}

func TestHasFile(t *testing.T) {
	assert.False(t, validPost().HasFile())
	assert.True(t, validFilePost().HasFile())

	p := validFilePost()
	p.MD5 = ""
	assert.False(t, p.HasFile())
}
