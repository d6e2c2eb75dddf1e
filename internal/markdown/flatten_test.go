package markdown

import (
	"reflect"
	"testing"
)

func TestFlatten_BlocksBecomeLines(t *testing.T) {
	input := `# 학사 공지

수강신청 기간은 **3월 2일**부터
3월 6일까지입니다.

- 첫째 항목
- [둘째 항목](https://example.ac.kr/second)

![logo](logo.png)

<div>raw html</div>

` + "```" + `
code line one
code line two
` + "```" + `
`

	doc, err := NewFlattener().Flatten([]byte(input))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	want := []string{
		"학사 공지",
		"수강신청 기간은 3월 2일부터 3월 6일까지입니다.",
		"첫째 항목",
		"둘째 항목",
		"code line one",
		"code line two",
	}
	if !reflect.DeepEqual(doc.Lines, want) {
		t.Errorf("Lines mismatch\n got: %q\nwant: %q", doc.Lines, want)
	}
	if doc.Title != "학사 공지" {
		t.Errorf("Title: expected '학사 공지', got %q", doc.Title)
	}
}

func TestFlatten_Table(t *testing.T) {
	input := `| 구분 | 일정 |
| --- | --- |
| 개강 | 3월 2일 |
| 종강 | 6월 20일 |
`

	doc, err := NewFlattener().Flatten([]byte(input))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	want := []string{"구분 | 일정", "개강 | 3월 2일", "종강 | 6월 20일"}
	if !reflect.DeepEqual(doc.Lines, want) {
		t.Errorf("Lines mismatch\n got: %q\nwant: %q", doc.Lines, want)
	}
}

func TestFlatten_EscapesAndEntities(t *testing.T) {
	doc, err := NewFlattener().Flatten([]byte(`Fees \*not\* waived &amp; due &#35;1`))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if got := doc.Text(); got != "Fees *not* waived & due #1" {
		t.Errorf("Text: got %q", got)
	}
}

func TestFlatten_NoHeadings(t *testing.T) {
	doc, err := NewFlattener().Flatten([]byte("just a paragraph"))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if doc.Title != "" {
		t.Errorf("Title: expected empty, got %q", doc.Title)
	}
	if doc.Text() != "just a paragraph" {
		t.Errorf("Text: got %q", doc.Text())
	}
}

func TestFlatten_Empty(t *testing.T) {
	doc, err := NewFlattener().Flatten(nil)
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if len(doc.Lines) != 0 || doc.Text() != "" {
		t.Errorf("expected no lines, got %q", doc.Lines)
	}
}

func TestFlatten_SubheadingTitle(t *testing.T) {
	doc, err := NewFlattener().Flatten([]byte("### Only a third level heading\n\nbody"))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}
	if doc.Title != "Only a third level heading" {
		t.Errorf("Title: got %q", doc.Title)
	}
}
