package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Size: 100, Overlap: 100})
	require.Error(t, err)

	_, err = New(Config{Size: 100, Overlap: -1})
	require.Error(t, err)

	_, err = New(Config{Size: -5})
	require.Error(t, err)

	s, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, s.size)
	assert.Equal(t, 0, s.overlap)
}

func TestSplitShortText(t *testing.T) {
	s, err := New(Config{Size: 1000, Overlap: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"short text"}, s.Split("  short text \n"))
	assert.Empty(t, s.Split(""))
	assert.Empty(t, s.Split("   \n\n  "))
}

func TestSplitParagraphs(t *testing.T) {
	s, err := New(Config{Size: 20, Overlap: 0})
	require.NoError(t, err)

	text := "first paragraph\n\nsecond paragraph\n\nthird"
	assert.Equal(t, []string{"first paragraph", "second paragraph", "third"}, s.Split(text))
}

func TestSplitFallsBackToFinerSeparators(t *testing.T) {
	s, err := New(Config{Size: 10, Overlap: 0})
	require.NoError(t, err)

	chunks := s.Split("alpha beta gamma delta")
	assert.Equal(t, []string{"alpha beta", "gamma", "delta"}, chunks)

	chunks = s.Split("abcdefghijklmnopqrstuvwxy")
	assert.Equal(t, []string{"abcdefghij", "klmnopqrst", "uvwxy"}, chunks)
}

func TestSplitOverlap(t *testing.T) {
	s, err := New(Config{Size: 12, Overlap: 6})
	require.NoError(t, err)

	chunks := s.Split("aa bb cc dd ee ff gg")
	assert.Equal(t, []string{"aa bb cc dd", "cc dd ee ff", "ee ff gg"}, chunks)
}

func TestSplitBoundsAndDeterminism(t *testing.T) {
	s, err := New(Config{Size: 1000, Overlap: 100})
	require.NoError(t, err)

	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("학생 지원 프로그램 안내 문장입니다. 신청은 학과 사무실에서 받습니다.\n")
		if i%10 == 9 {
			b.WriteString("\n")
		}
	}
	text := b.String()

	first := s.Split(text)
	second := s.Split(text)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	for i, c := range first {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 1000, "chunk %d too long", i)
		assert.Equal(t, strings.TrimSpace(c), c, "chunk %d not trimmed", i)
	}
}

func TestSplitKeepingSeparator(t *testing.T) {
	assert.Equal(t, []string{"a", ". b", ". c"}, splitKeepingSeparator("a. b. c", ". "))
	assert.Equal(t, []string{"한", "글"}, splitKeepingSeparator("한글", ""))
	assert.Equal(t, []string{"\nx"}, splitKeepingSeparator("\nx", "\n"))
}
