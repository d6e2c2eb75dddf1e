package embedding

import (
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Client wraps the OpenAI client shared by embedding and answer generation.
type Client struct {
	client *openai.Client
}

// NewClient creates an OpenAI client for the given API key.
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is not set")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for use in other packages (e.g., rag).
func (c *Client) Client() *openai.Client {
	return c.client
}
