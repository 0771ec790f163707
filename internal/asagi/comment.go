package asagi

import (
	"html"
	"regexp"
	"strings"
)

// The comment rewrite turns the API's rendered HTML into the bbcode-flavored
// text the Asagi schema stores. Patterns are anchored to the markup the
// remote actually emits; anything unrecognized passes through and gets its
// entities unescaped at the end.
var (
	literalTagRe = regexp.MustCompile(`\[(/?(?:spoiler|code|math|eqn|sub|sup|b|i|o|s|u|banned|info|fortune|shiftjis|sjis|qstcolor))\]`)
	abbrRe       = regexp.MustCompile(`(?s)(?:(?:<br>){0,2})?<span class="abbr">.*?</span>`)
	exifRe       = regexp.MustCompile(`(?s)(?:(?:<br>)+)?<table class="exif".*?</table>`)
	oekakiRe     = regexp.MustCompile(`(?s)(?:(?:<br>)+)?<small><b>Oekaki.*?</small>`)
	bannedRe     = regexp.MustCompile(`(?s)<strong style="color: ?red;?">(.*?)</strong>`)
	fortuneRe    = regexp.MustCompile(`(?s)<span class="fortune" style="color:(.+?)"><br><br><b>(.*?)</b></span>`)
	rollRe       = regexp.MustCompile(`(?s)<b>(Roll(.*?))</b>`)
	preOpenRe    = regexp.MustCompile(`<pre[^>]*>`)
	mathSpanRe   = regexp.MustCompile(`(?s)<span class="math">(.*?)</span>`)
	mathDivRe    = regexp.MustCompile(`(?s)<div class="math">(.*?)</div>`)
	sjisRe       = regexp.MustCompile(`(?s)<span class="sjis">(.*?)</span>`)
	quoteRe      = regexp.MustCompile(`(?s)<span class="quote">(.*?)</span>`)
	deadlinkRe   = regexp.MustCompile(`(?s)<span class="(?:[^"]*)?deadlink">(.*?)</span>`)
	anchorRe     = regexp.MustCompile(`(?s)<a(?:[^>]*)>(.*?)</a>`)
)

// CommentToBBCode rewrites a rendered HTML comment into Asagi bbcode text.
func CommentToBBCode(a string) string {
	if a == "" {
		return a
	}

	// Escape tags the user typed literally so they survive the round trip.
	if strings.Contains(a, "[") {
		a = literalTagRe.ReplaceAllString(a, "[$1:lit]")
	}

	// Remote-injected furniture: abbreviations, exif tables, oekaki footers.
	if strings.Contains(a, `"abbr`) {
		a = abbrRe.ReplaceAllString(a, "")
	}
	if strings.Contains(a, `"exif`) {
		a = exifRe.ReplaceAllString(a, "")
	}
	if strings.Contains(a, ">Oek") {
		a = oekakiRe.ReplaceAllString(a, "")
	}

	if strings.Contains(a, "<stro") {
		a = bannedRe.ReplaceAllString(a, "[banned]$1[/banned]")
	}
	if strings.Contains(a, `"fortu`) {
		a = fortuneRe.ReplaceAllString(a, "\n\n[fortune color=\"$1\"]$2[/fortune]")
	}
	if strings.Contains(a, "<b>") {
		a = rollRe.ReplaceAllString(a, "[b]$1[/b]")
	}
	if strings.Contains(a, "<pre") {
		a = preOpenRe.ReplaceAllString(a, "[code]")
		a = strings.ReplaceAll(a, "</pre>", "[/code]")
	}
	if strings.Contains(a, `"math`) {
		a = mathSpanRe.ReplaceAllString(a, "[math]$1[/math]")
		a = mathDivRe.ReplaceAllString(a, "[eqn]$1[/eqn]")
	}
	if strings.Contains(a, `"sjis`) {
		a = sjisRe.ReplaceAllString(a, "[shiftjis]$1[/shiftjis]")
	}

	if strings.Contains(a, "<span") {
		a = quoteRe.ReplaceAllString(a, "$1")
		// Deadlinks can nest inside quotes; a few passes unwrap them.
		for range 3 {
			if !strings.Contains(a, "deadli") {
				break
			}
			a = deadlinkRe.ReplaceAllString(a, "$1")
		}
	}

	if strings.Contains(a, "<a") {
		a = anchorRe.ReplaceAllString(a, "$1")
	}

	a = strings.ReplaceAll(a, "<s>", "[spoiler]")
	a = strings.ReplaceAll(a, "</s>", "[/spoiler]")
	a = strings.ReplaceAll(a, "<br>", "\n")
	a = strings.ReplaceAll(a, "<wbr>", "")

	return html.UnescapeString(a)
}
