// Package inference forwards chat, transcription and image generation to
// the local inference server over the OpenAI API convention. The daemon
// adds nothing on top of the server here beyond model-id resolution, which
// the HTTP layer does against the catalog.
package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"hubd/pkg/types"
)

// Client wraps the OpenAI-convention endpoints of the inference server.
type Client struct {
	oc *openai.Client
}

// NewClient returns a client for the server at base.
func NewClient(base string, httpc *http.Client) *Client {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimRight(base, "/") + "/v1"
	if httpc != nil {
		cfg.HTTPClient = httpc
	}
	return &Client{oc: openai.NewClientWithConfig(cfg)}
}

func chatMessages(req types.ChatRequest) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return msgs
}

// Chat runs one completion and returns the whole answer.
func (c *Client) Chat(ctx context.Context, modelID string, req types.ChatRequest) (string, error) {
	resp, err := c.oc.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: chatMessages(req),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream runs one completion and delivers answer fragments to onDelta
// as they arrive.
func (c *Client) ChatStream(ctx context.Context, modelID string, req types.ChatRequest, onDelta func(string)) error {
	stream, err := c.oc.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: chatMessages(req),
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
}

// Transcribe converts a local audio file to text.
func (c *Client) Transcribe(ctx context.Context, modelID, audioPath string) (string, error) {
	resp, err := c.oc.CreateTranscription(ctx, openai.AudioRequest{
		Model:    modelID,
		FilePath: audioPath,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}

// GenerateImage renders prompt and returns the raw image bytes.
func (c *Client) GenerateImage(ctx context.Context, modelID, prompt string) ([]byte, error) {
	resp, err := c.oc.CreateImage(ctx, openai.ImageRequest{
		Model:          modelID,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("image generation returned no data")
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode generated image: %w", err)
	}
	return img, nil
}
