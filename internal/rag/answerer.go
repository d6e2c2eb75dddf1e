// Package rag answers questions from indexed pages with a chat model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/his0si/retriever-project-lite/internal/storage"
)

const (
	// DefaultMaxContextTokens caps the retrieved context sent to the model.
	DefaultMaxContextTokens = 16000
	DefaultTopK             = 5
	DefaultModel            = "gpt-4-turbo-preview"

	// NoResultsAnswer is returned without calling the model when nothing matches.
	NoResultsAnswer = "죄송합니다. 관련된 정보를 찾을 수 없습니다."
)

const systemPrompt = `당신은 학교 웹사이트 정보를 안내하는 Q&A 챗봇입니다.
반드시 주어진 '컨텍스트' 내용만을 사용하여 사용자의 '질문'에 답변해야 합니다.
컨텍스트에 없는 내용은 '정보를 찾을 수 없습니다.'라고 답변하세요.
답변은 친절하고 명확하게 작성하되, 컨텍스트의 정보를 정확하게 전달하세요.`

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is required")

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher returns the chunks nearest to a vector.
type Searcher interface {
	SimilaritySearch(ctx context.Context, vector []float32, k int) ([]storage.ScoredChunk, error)
}

type completionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Answer is a generated answer and the pages it was drawn from.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Config tunes retrieval and generation.
type Config struct {
	Model            string
	Temperature      float64
	TopK             int
	MaxContextTokens int
}

// Answerer retrieves context and asks the chat model for an answer grounded in it.
type Answerer struct {
	chat     completionsAPI
	embedder QueryEmbedder
	searcher Searcher
	cfg      Config
	logger   *slog.Logger
}

// NewAnswerer creates an Answerer using the given OpenAI client for chat completions.
func NewAnswerer(client *openai.Client, embedder QueryEmbedder, searcher Searcher, cfg Config, logger *slog.Logger) *Answerer {
	return newAnswerer(&client.Chat.Completions, embedder, searcher, cfg, logger)
}

func newAnswerer(chat completionsAPI, embedder QueryEmbedder, searcher Searcher, cfg Config, logger *slog.Logger) *Answerer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Answerer{chat: chat, embedder: embedder, searcher: searcher, cfg: cfg, logger: logger}
}

// Answer embeds the question, retrieves the top matches and generates an answer.
func (a *Answerer) Answer(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	vec, err := a.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	hits, err := a.searcher.SimilaritySearch(ctx, vec, a.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return &Answer{Answer: NoResultsAnswer, Sources: []string{}}, nil
	}

	texts := make([]string, 0, len(hits))
	sources := make([]string, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Text)
		if _, ok := seen[h.URL]; ok {
			continue
		}
		seen[h.URL] = struct{}{}
		sources = append(sources, h.URL)
	}

	answer, err := a.generate(ctx, a.truncate(strings.Join(texts, "\n\n")), question)
	if err != nil {
		return nil, err
	}
	return &Answer{Answer: answer, Sources: sources}, nil
}

func (a *Answerer) generate(ctx context.Context, contextText, question string) (string, error) {
	resp, err := a.chat.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf("[컨텍스트]\n%s\n\n[질문]\n%s", contextText, question)),
		},
		Model:       openai.ChatModel(a.cfg.Model),
		Temperature: openai.Float(a.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// truncate caps context at roughly four characters per token, on a rune boundary.
func (a *Answerer) truncate(text string) string {
	maxChars := a.cfg.MaxContextTokens * 4
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	a.logger.Warn("truncating answer context", "from_chars", len(runes), "to_chars", maxChars)
	return string(runes[:maxChars])
}
