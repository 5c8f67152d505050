package segment

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func chineseFiller(runes int) string {
	const sentence = "山中无甲子，寒尽不知年。"
	var b strings.Builder
	for utf8.RuneCountInString(b.String()) < runes {
		b.WriteString(sentence)
	}
	return b.String()
}

func TestSplitTwoChapterScenario(t *testing.T) {
	body1 := chineseFiller(220)
	body2 := chineseFiller(260)
	text := "第一章 开端\n" + body1 + "\n第二章 延续\n" + body2

	res := Split(text, "测试书.txt")
	if len(res.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(res.Chapters))
	}
	if res.Chapters[0].Title != "第一章 开端" {
		t.Fatalf("chapter 0 title = %q", res.Chapters[0].Title)
	}
	if res.Chapters[1].Title != "第二章 延续" {
		t.Fatalf("chapter 1 title = %q", res.Chapters[1].Title)
	}
	if res.Chapters[0].ContentHash == "" || res.Chapters[1].ContentHash == "" {
		t.Fatalf("chapter hashes must be non-empty")
	}
	if res.Chapters[0].ContentHash == res.Chapters[1].ContentHash {
		t.Fatalf("distinct bodies produced identical hashes")
	}
	if res.Title != "测试书" {
		t.Fatalf("book title = %q", res.Title)
	}
	if res.BookHash == "" {
		t.Fatalf("book hash must be non-empty")
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := "第一章 开端\n" + chineseFiller(300) + "\n第二章 延续\n" + chineseFiller(300)
	first := Split(text, "book.txt")
	for i := 0; i < 3; i++ {
		again := Split(text, "book.txt")
		if again.BookHash != first.BookHash {
			t.Fatalf("book hash changed between runs")
		}
		if len(again.Chapters) != len(first.Chapters) {
			t.Fatalf("chapter count changed between runs")
		}
		for j := range again.Chapters {
			if again.Chapters[j].Title != first.Chapters[j].Title ||
				again.Chapters[j].ContentHash != first.Chapters[j].ContentHash {
				t.Fatalf("chapter %d differs between runs", j)
			}
		}
	}
}

func TestSplitNoHeadingsFallsBackToSingleChapter(t *testing.T) {
	text := chineseFiller(400)
	res := Split(text, "/library/散文集.txt")
	if len(res.Chapters) != 1 {
		t.Fatalf("expected single fallback chapter, got %d", len(res.Chapters))
	}
	if res.Chapters[0].Title != "散文集" {
		t.Fatalf("fallback title = %q", res.Chapters[0].Title)
	}
	if res.RuleName != "" {
		t.Fatalf("fallback should not report a rule, got %q", res.RuleName)
	}
}

func TestSplitEmptyInputYieldsNoChapters(t *testing.T) {
	for _, text := range []string{"", "   \n\n  "} {
		res := Split(text, "empty.txt")
		if len(res.Chapters) != 0 {
			t.Fatalf("expected zero chapters for %q, got %d", text, len(res.Chapters))
		}
	}
}

func TestSplitDropsEmptyBodies(t *testing.T) {
	// The middle heading has no body; it must vanish without leaving a gap in
	// the ordinal indexes.
	text := "第一章 开端\n" + chineseFiller(400) + "\n第二章 空壳\n\n第三章 终局\n" + chineseFiller(400)
	res := Split(text, "book.txt")
	if len(res.Chapters) != 2 {
		t.Fatalf("expected 2 chapters after dropping empty body, got %d", len(res.Chapters))
	}
	for i, ch := range res.Chapters {
		if ch.Index != i {
			t.Fatalf("chapter %d has index %d", i, ch.Index)
		}
	}
	if res.Chapters[1].Title != "第三章 终局" {
		t.Fatalf("surviving chapter title = %q", res.Chapters[1].Title)
	}
}

func TestSplitOveragerRuleRejected(t *testing.T) {
	// Every line starts with a number: the loose numeric rule would fragment
	// the text into tiny segments and must lose to the fallback.
	var b strings.Builder
	for i := 1; i <= 50; i++ {
		b.WriteString("1 短行\n")
	}
	res := Split(b.String(), "list.txt")
	if len(res.Chapters) != 1 {
		t.Fatalf("expected single chapter when only over-eager rules match, got %d", len(res.Chapters))
	}
}

func TestSplitPrefaceBeforeFirstHeading(t *testing.T) {
	lead := chineseFiller(100)
	text := lead + "\n第一章 开端\n" + chineseFiller(260)
	res := Split(text, "book.txt")
	if len(res.Chapters) != 2 {
		t.Fatalf("expected preface + chapter, got %d chapters", len(res.Chapters))
	}
	if res.Chapters[0].Title != "前言" {
		t.Fatalf("preface title = %q", res.Chapters[0].Title)
	}
}

func TestSplitEnglishChapters(t *testing.T) {
	filler := strings.Repeat("All happy families are alike; each unhappy family differs. ", 6)
	text := "Chapter 1 The Beginning\n" + filler + "\nChapter 2 The Middle\n" + filler
	res := Split(text, "novel.txt")
	if len(res.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(res.Chapters))
	}
	if res.RuleName != "en_chapter" {
		t.Fatalf("expected en_chapter rule, got %q", res.RuleName)
	}
	if res.Chapters[0].Title != "Chapter 1 The Beginning" {
		t.Fatalf("title = %q", res.Chapters[0].Title)
	}
}
