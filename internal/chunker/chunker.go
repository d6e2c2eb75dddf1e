// Package chunker splits text into overlapping, size-bounded chunks.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Defaults used when a Config field is zero.
const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

// DefaultSeparators are tried in order, coarsest first.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Config controls chunk size and overlap, both measured in characters.
type Config struct {
	Size       int
	Overlap    int
	Separators []string
}

// Splitter is a recursive character splitter. It is stateless and safe for
// concurrent use; identical input always yields identical chunks.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// New validates cfg and returns a Splitter.
func New(cfg Config) (*Splitter, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Separators == nil {
		cfg.Separators = DefaultSeparators
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.Size)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", cfg.Size, cfg.Overlap)
	}
	return &Splitter{size: cfg.Size, overlap: cfg.Overlap, separators: cfg.Separators}, nil
}

// Split breaks text into chunks of at most Size characters where separators
// allow it. Consecutive chunks share up to Overlap characters of trailing pieces.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var chunks, good []string
	for _, piece := range splitKeepingSeparator(text, sep) {
		if length(piece) < s.size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			chunks = append(chunks, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			chunks = append(chunks, piece)
			continue
		}
		chunks = append(chunks, s.split(piece, rest)...)
	}
	if len(good) > 0 {
		chunks = append(chunks, s.merge(good)...)
	}
	return chunks
}

// merge packs pieces into chunks no longer than size, carrying trailing
// pieces worth at most overlap characters into the next chunk.
func (s *Splitter) merge(pieces []string) []string {
	var (
		chunks  []string
		current []string
		total   int
	)
	for _, piece := range pieces {
		n := length(piece)
		if total+n > s.size && len(current) > 0 {
			if chunk := strings.TrimSpace(strings.Join(current, "")); chunk != "" {
				chunks = append(chunks, chunk)
			}
			for total > s.overlap || (total+n > s.size && total > 0) {
				total -= length(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if chunk := strings.TrimSpace(strings.Join(current, "")); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitKeepingSeparator splits text on sep and keeps each separator at the
// start of the piece that follows it. An empty sep splits into characters.
func splitKeepingSeparator(text, sep string) []string {
	if sep == "" {
		pieces := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}

	parts := strings.Split(text, sep)
	pieces := make([]string, 0, len(parts))
	for i, part := range parts {
		if i > 0 {
			part = sep + part
		}
		if part != "" {
			pieces = append(pieces, part)
		}
	}
	return pieces
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
