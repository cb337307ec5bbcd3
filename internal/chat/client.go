package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/presenceworks/avatard/internal/config"
)

// Inline document citation markers emitted by the augmented path, e.g.
// "[doc2]". Stripped before tokens reach the user or the speech queue.
var docRefPattern = regexp.MustCompile(`\[doc(\d+)\]`)

// Delta is one parsed increment of model output. Role is RoleTool for
// citation/tool content on the augmented path and empty for display tokens.
type Delta struct {
	Role    string
	Content string
}

// Client issues streaming chat completion requests and parses the
// incremental response into deltas via a consumer callback.
type Client struct {
	cfg    config.OpenAIConfig
	httpc  *http.Client
	logger *slog.Logger
}

func NewClient(cfg config.OpenAIConfig, log *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		// No overall timeout: the stream stays open for the whole
		// completion. Cancellation comes from the request context.
		httpc:  &http.Client{Timeout: 0},
		logger: log.With(slog.String("component", "chat-client")),
	}
}

type completionRequest struct {
	DataSources []DataSource `json:"dataSources,omitempty"`
	Messages    []Message    `json:"messages"`
	Stream      bool         `json:"stream"`
}

// streamRecord covers both response shapes: the plain path carries the
// delta directly, the augmented path nests per-choice message deltas.
type streamRecord struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		Messages []struct {
			Delta struct {
				Role    string  `json:"role"`
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"messages"`
	} `json:"choices"`
}

// Stream issues one streaming completion request and invokes consume for
// every parsed delta, in arrival order. With data sources configured the
// request targets the extensions path and carries the sources in the body.
// A non-2xx response aborts before any delta is delivered; malformed
// individual records are logged and skipped.
func (c *Client) Stream(ctx context.Context, deployment string, messages []Message, sources []DataSource, consume func(Delta) error) error {
	if deployment == "" {
		deployment = c.cfg.Deployment
	}
	augmented := len(sources) > 0

	path := "chat/completions"
	if augmented {
		path = "extensions/chat/completions"
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), deployment, path, c.cfg.APIVersion)

	body, err := json.Marshal(completionRequest{
		DataSources: sources,
		Messages:    messages,
		Stream:      true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("chat completion returned status %s", resp.Status)
	}

	var asm Assembler
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, record := range asm.Push(buf[:n]) {
				if err := c.handleRecord(record, augmented, consume); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read completion stream: %w", readErr)
		}
	}
	if tail := asm.Flush(); strings.TrimSpace(tail) != "" {
		if err := c.handleRecord(tail, augmented, consume); err != nil {
			return err
		}
	}

	c.logger.Debug("completion stream finished",
		slog.Bool("augmented", augmented),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// handleRecord parses one logical record. Errors from consume propagate;
// parse failures are logged and swallowed so one bad record never kills the
// stream.
func (c *Client) handleRecord(record string, augmented bool, consume func(Delta) error) error {
	line := strings.TrimSpace(record)
	if !strings.HasPrefix(line, "data:") || strings.HasSuffix(line, "[DONE]") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	var rec streamRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		c.logger.Warn("skipping malformed stream record", slog.String("error", err.Error()))
		return nil
	}
	if len(rec.Choices) == 0 {
		return nil
	}
	choice := rec.Choices[0]

	if !augmented {
		if choice.Delta.Content == nil {
			return nil
		}
		return consume(Delta{Content: *choice.Delta.Content})
	}

	if len(choice.Messages) == 0 {
		return nil
	}
	delta := choice.Messages[0].Delta
	if delta.Content == nil {
		return nil
	}
	if delta.Role == RoleTool {
		return consume(Delta{Role: RoleTool, Content: *delta.Content})
	}

	token := *delta.Content
	if docRefPattern.MatchString(token) {
		token = strings.TrimSpace(docRefPattern.ReplaceAllString(token, ""))
	}
	if token == "[DONE]" {
		return nil
	}
	return consume(Delta{Content: token})
}
