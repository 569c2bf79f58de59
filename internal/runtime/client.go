// Package runtime keeps inference assets resident on the local inference
// server, within a memory budget and with one resident asset per category.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// ServerModel is one entry of the server's GET /v1/models listing.
type ServerModel struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	MemoryGB float64 `json:"memory_gb"`
}

// LoadEvent is one line of the server's load progress stream.
type LoadEvent struct {
	Progress float64 `json:"progress"`
	Stage    string  `json:"stage,omitempty"`
	Done     bool    `json:"done,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Client speaks the inference server's model management API.
type Client struct {
	base  string
	httpc *http.Client
}

// NewClient returns a client for a server at base, e.g.
// "http://127.0.0.1:8999". nil httpc uses a default client with no overall
// timeout; loads are bounded by their context.
func NewClient(base string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(base, "/"), httpc: httpc}
}

// BaseURL returns the server base URL the client was built with.
func (c *Client) BaseURL() string { return c.base }

// ListModels returns the models the server currently knows about and their
// residency status.
func (c *Client) ListModels(ctx context.Context) ([]ServerModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/models", nil)
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
		return nil, fmt.Errorf("list models: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		Data []ServerModel `json:"data"`
	}
	if err := sonic.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse model listing: %w", err)
	}
	return out.Data, nil
}

// Load asks the server to load modelID into the slot named by wireLabel
// ("llm", "vlm", "asr", "tts", "image"). The server answers either with a
// single acknowledgement or with a newline-delimited progress stream; each
// parsed event is passed to onProgress. Returns once the server reports
// done, the stream ends cleanly, or an event carries an error.
func (c *Client) Load(ctx context.Context, modelID, wireLabel string, onProgress func(LoadEvent)) error {
	payload, err := sonic.Marshal(map[string]string{
		"model":      modelID,
		"model_type": wireLabel,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/models/load", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("load %s: %s: %s", modelID, resp.Status, strings.TrimSpace(string(body)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev LoadEvent
		if err := sonic.Unmarshal(line, &ev); err != nil {
			// Single-ack servers answer with a plain JSON object that is
			// not an event; a 200 with an unparseable body still succeeds.
			continue
		}
		if ev.Error != "" {
			return errors.New(ev.Error)
		}
		if onProgress != nil {
			onProgress(ev)
		}
		if ev.Done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("load %s: stream: %w", modelID, err)
	}
	return nil
}

// Unload asks the server to free the slot named by wireLabel.
func (c *Client) Unload(ctx context.Context, wireLabel string) error {
	payload, err := sonic.Marshal(map[string]string{"model_type": wireLabel})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/models/unload", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unload %s: %s: %s", wireLabel, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
