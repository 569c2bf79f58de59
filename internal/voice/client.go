// Package voice drives few-shot voice training and speech synthesis against
// the inference server's voice API.
package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	openai "github.com/sashabaranov/go-openai"
)

// Voice is one trained voice known to the server.
type Voice struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// trainPayload is the POST /v1/voices/train request body. Audio travels
// base64-encoded inside the JSON document.
type trainPayload struct {
	Voice      string `json:"voice"`
	Audio      string `json:"audio"`
	Transcript string `json:"transcript"`
	Quality    string `json:"quality,omitempty"`
	Language   string `json:"language,omitempty"`
	Denoise    bool   `json:"denoise,omitempty"`
}

// TrainStatus is the server's view of one training run.
type TrainStatus struct {
	Status   string  `json:"status"` // running, done, failed
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Client speaks the voice endpoints. Synthesis goes through the OpenAI
// audio/speech convention; training uses the server's own task protocol.
type Client struct {
	base   string
	httpc  *http.Client
	openai *openai.Client
}

// NewClient returns a client for the server at base.
func NewClient(base string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	base = strings.TrimRight(base, "/")
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = base + "/v1"
	cfg.HTTPClient = httpc
	return &Client{
		base:   base,
		httpc:  httpc,
		openai: openai.NewClientWithConfig(cfg),
	}
}

// StartTrain submits a training run and returns the server-side task id.
func (c *Client) StartTrain(ctx context.Context, p trainPayload) (string, error) {
	body, err := sonic.Marshal(p)
	if err != nil {
		return "", err
	}
	respBody, err := c.post(ctx, "/v1/voices/train", body)
	if err != nil {
		return "", err
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := sonic.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse train response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("train response carries no task id")
	}
	return out.TaskID, nil
}

// TrainStatusOf polls one training run.
func (c *Client) TrainStatusOf(ctx context.Context, taskID string) (TrainStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/voices/train/"+taskID, nil)
	if err != nil {
		return TrainStatus{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return TrainStatus{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TrainStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TrainStatus{}, fmt.Errorf("train status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st TrainStatus
	if err := sonic.Unmarshal(body, &st); err != nil {
		return TrainStatus{}, fmt.Errorf("parse train status: %w", err)
	}
	return st, nil
}

// CancelTrain asks the server to abort a training run. Best effort; the
// run may already have finished.
func (c *Client) CancelTrain(ctx context.Context, taskID string) error {
	_, err := c.post(ctx, "/v1/voices/train/"+taskID+"/cancel", nil)
	return err
}

// Voices lists the trained voices the server currently offers.
func (c *Client) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list voices: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse voices: %w", err)
	}
	return out.Voices, nil
}

// Speak synthesizes text with a trained voice and returns the audio
// stream. The caller closes it.
func (c *Client) Speak(ctx context.Context, modelID, voiceName, text string, speed float64) (io.ReadCloser, error) {
	req := openai.CreateSpeechRequest{
		Model: openai.SpeechModel(modelID),
		Input: text,
		Voice: openai.SpeechVoice(voiceName),
	}
	if speed > 0 {
		req.Speed = speed
	}
	resp, err := c.openai.CreateSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
