// Package segment splits raw book text into titled chapters by scoring a
// fixed table of heading rules against the whole document and keeping the
// partition produced by the best-scoring rule.
package segment

import (
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"onereader/pkg/hash"
)

const (
	// minSegmentRunes rejects rules whose average span between headings is
	// this short; such rules are fragmenting on body lines, not headings.
	minSegmentRunes = 200
	// minBodyRunes drops chapters whose trimmed body carries no real content.
	minBodyRunes = 5
	// titleLookahead bounds how far past a heading match the title may run.
	titleLookahead = 100

	rejectedShortSegments = -20000
	rejectedNoMatches     = -10000
)

// Rule is one boundary-detection pattern. Patterns must be anchored to line
// starts so a heading-shaped phrase mid-sentence never becomes a boundary.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  float64
}

// rules is ordered most specific first; order only breaks score ties.
var rules = []Rule{
	{
		Name:    "zh_chapter",
		Pattern: regexp.MustCompile(`(?m)^[ \t　]{0,4}第[0-9零一二三四五六七八九十百千万两]{1,10}章[^\n]{0,30}`),
		Weight:  100,
	},
	{
		Name:    "zh_section",
		Pattern: regexp.MustCompile(`(?m)^[ \t　]{0,4}第[0-9零一二三四五六七八九十百千万两]{1,10}[卷回节集部篇][^\n]{0,30}`),
		Weight:  80,
	},
	{
		Name:    "zh_marker",
		Pattern: regexp.MustCompile(`(?m)^[ \t　]{0,4}(?:序章|序言|楔子|引子|前言|终章|尾声|后记|番外)[^\n]{0,30}`),
		Weight:  70,
	},
	{
		Name:    "en_chapter",
		Pattern: regexp.MustCompile(`(?mi)^[ \t]{0,4}chapter[ \t]+(?:[0-9]{1,4}|[ivxlcdm]{1,8})\b[^\n]{0,30}`),
		Weight:  60,
	},
	{
		Name:    "num_punct",
		Pattern: regexp.MustCompile(`(?m)^[ \t　]{0,4}[0-9]{1,4}[、.．][^\n]{0,30}`),
		Weight:  30,
	},
	{
		Name:    "num_loose",
		Pattern: regexp.MustCompile(`(?m)^[ \t　]{0,4}[0-9]{1,4}[ \t][^\n]{0,20}`),
		Weight:  10,
	},
}

// Chapter is one segmented chapter. ContentHash is computed over the trimmed
// body, the same digest chapters carry everywhere above this package.
type Chapter struct {
	Index       int
	Title       string
	Body        string
	ContentHash string
	WordCount   int
}

// Result of segmenting one document.
type Result struct {
	Title    string
	BookHash string
	RuleName string
	Chapters []Chapter
}

// Split segments text into chapters. filename is only used to derive the book
// title (and the single-chapter title when no rule matches). An empty or
// whitespace-only document yields zero chapters; callers treat that as an
// import failure.
func Split(text, filename string) Result {
	res := Result{
		Title:    TitleFromName(filename),
		BookHash: hash.Content(text),
	}

	bestScore := math.Inf(-1)
	var bestRule Rule
	var bestMatches [][]int
	for _, rule := range rules {
		matches := rule.Pattern.FindAllStringIndex(text, -1)
		score := scoreRule(rule, text, matches)
		if score > bestScore {
			bestScore = score
			bestRule = rule
			bestMatches = matches
		}
	}

	if bestScore <= rejectedNoMatches {
		body := strings.TrimSpace(text)
		if utf8.RuneCountInString(body) < minBodyRunes {
			return res
		}
		res.Chapters = []Chapter{makeChapter(0, res.Title, body)}
		return res
	}

	res.RuleName = bestRule.Name
	res.Chapters = buildChapters(text, bestMatches)
	return res
}

// scoreRule implements the boundary scoring: the rule weight, a bonus capped
// at 50 for match count, and a penalty proportional to how uneven the
// resulting segment lengths are. Rules that would fragment the text into
// segments averaging under minSegmentRunes are rejected outright.
func scoreRule(rule Rule, text string, matches [][]int) float64 {
	if len(matches) == 0 {
		return rejectedNoMatches
	}
	lengths := segmentLengths(text, matches)
	mean := meanOf(lengths)
	if mean < minSegmentRunes {
		return rejectedShortSegments
	}
	cv := stddevOf(lengths, mean) / mean
	return rule.Weight + math.Min(float64(len(matches))*0.1, 50) - cv*50
}

// segmentLengths measures, in runes, the spans between consecutive match
// offsets; the last span runs to the end of the text.
func segmentLengths(text string, matches [][]int) []float64 {
	lengths := make([]float64, 0, len(matches))
	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		lengths = append(lengths, float64(utf8.RuneCountInString(text[m[0]:end])))
	}
	return lengths
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func buildChapters(text string, matches [][]int) []Chapter {
	chapters := make([]Chapter, 0, len(matches)+1)

	// Text ahead of the first heading becomes a preface chapter when it has
	// real content; a bare title page falls below minBodyRunes and is dropped.
	if lead := strings.TrimSpace(text[:matches[0][0]]); utf8.RuneCountInString(lead) >= minBodyRunes {
		chapters = append(chapters, makeChapter(len(chapters), "前言", lead))
	}

	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		title, bodyStart := headingTitle(text, m[0])
		if bodyStart > end {
			bodyStart = end
		}
		body := strings.TrimSpace(text[bodyStart:end])
		if utf8.RuneCountInString(body) < minBodyRunes {
			continue
		}
		chapters = append(chapters, makeChapter(len(chapters), title, body))
	}
	return chapters
}

// headingTitle extracts the chapter title from the first line at offset,
// looking ahead at most titleLookahead runes, and returns the byte offset
// where the chapter body begins (just past the heading line).
func headingTitle(text string, offset int) (string, int) {
	end := offset
	runes := 0
	bodyStart := len(text)
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if r == '\n' {
			bodyStart = end + size
			break
		}
		if runes >= titleLookahead {
			break
		}
		end += size
		runes++
	}
	if bodyStart == len(text) && end < len(text) {
		// Heading line longer than the lookahead: body starts at the next
		// newline, title stays truncated.
		if idx := strings.IndexByte(text[end:], '\n'); idx >= 0 {
			bodyStart = end + idx + 1
		}
	}
	title := strings.TrimSpace(text[offset:end])
	if title == "" {
		title = "未命名章节"
	}
	return title, bodyStart
}

func makeChapter(index int, title, body string) Chapter {
	return Chapter{
		Index:       index,
		Title:       title,
		Body:        body,
		ContentHash: hash.Content(body),
		WordCount:   utf8.RuneCountInString(body),
	}
}

// TitleFromName derives a book title from a filename, dropping the directory
// and extension.
func TitleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" || title == "." {
		return "未命名书籍"
	}
	return title
}
