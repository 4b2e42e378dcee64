package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xteam/backend/internal/core"
)

// Ollama talks to a local Ollama daemon over its plain HTTP API; there
// is no official Go SDK to wrap.
type Ollama struct {
	baseURL string
	model   string
	http    *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Ollama) Provider() core.Provider { return core.ProviderOllama }
func (c *Ollama) Model() string           { return c.model }

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (c *Ollama) post(ctx context.Context, prompt string, opts Options, stream bool) (*http.Response, error) {
	body := ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		System: opts.SystemPrompt,
		Stream: stream,
		Options: map[string]interface{}{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
			"top_p":       opts.TopP,
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w: %v", core.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama status %d: %w", resp.StatusCode, core.ErrUpstream)
	}
	return resp, nil
}

func (c *Ollama) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := c.post(ctx, prompt, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama decode: %w: %v", core.ErrUpstream, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s: %w", out.Error, core.ErrUpstream)
	}
	return out.Response, nil
}

// GenerateStream reads the newline-delimited JSON objects the daemon
// emits until one carries done=true.
func (c *Ollama) GenerateStream(ctx context.Context, prompt string, opts Options, onChunk func(string) error) error {
	resp, err := c.post(ctx, prompt, opts, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("ollama stream decode: %w: %v", core.ErrUpstream, err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s: %w", chunk.Error, core.ErrUpstream)
		}
		if chunk.Response != "" {
			if err := onChunk(chunk.Response); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama stream read: %w: %v", core.ErrUpstream, err)
	}
	return nil
}

func (c *Ollama) ValidateConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama validate: %w: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama validate status %d: %w", resp.StatusCode, core.ErrUpstream)
	}
	return nil
}
