package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"atelier/internal/logging"
	"atelier/internal/schedule"
	"atelier/internal/types"
)

// BridgeProvider talks to any OpenAI-compatible endpoint: chat completions
// for text and routing, an images endpoint for stills, and a submit/poll
// video surface. Errors carry the HTTP status so the retry wrapper can
// classify them; there are no inline retry loops here.
type BridgeProvider struct {
	baseURL      string
	apiKey       string
	models       Models
	httpClient   *http.Client
	scheduler    *schedule.Scheduler
	retry        schedule.RetryPolicy
	pollInterval time.Duration
}

// NewBridgeProvider constructs the REST backend. baseURL should include the
// version prefix, e.g. https://api.example.com/v1.
func NewBridgeProvider(baseURL, apiKey string, models Models, scheduler *schedule.Scheduler, retry schedule.RetryPolicy, pollInterval, timeout time.Duration) (*BridgeProvider, error) {
	if apiKey == "" {
		return nil, errors.New("bridge api key not configured")
	}
	if baseURL == "" {
		return nil, errors.New("bridge base url not configured")
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &BridgeProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		models:       models,
		httpClient:   &http.Client{Timeout: timeout},
		scheduler:    scheduler,
		retry:        retry,
		pollInterval: pollInterval,
	}, nil
}

var _ Provider = (*BridgeProvider)(nil)

type bridgeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type bridgeContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *bridgeImageURL `json:"image_url,omitempty"`
}

type bridgeImageURL struct {
	URL string `json:"url"`
}

type bridgeChatRequest struct {
	Model          string          `json:"model"`
	Messages       []bridgeMessage `json:"messages"`
	MaxTokens      int32           `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat any             `json:"response_format,omitempty"`
}

type bridgeChatResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// buildMessages flattens sanitized history into chat messages. Inline media
// becomes a data-URI image part on a multimodal content array.
func (b *BridgeProvider) buildMessages(req types.GenerationRequest) []bridgeMessage {
	messages := make([]bridgeMessage, 0, len(req.History)+2)
	if req.Config.SystemInstruction != "" {
		messages = append(messages, bridgeMessage{Role: "system", Content: req.Config.SystemInstruction})
	}
	for _, turn := range SanitizeHistory(req.History) {
		role := "user"
		if turn.Role == types.RoleModel {
			role = "assistant"
		}
		messages = append(messages, bridgeMessage{Role: role, Content: turnContent(turn)})
	}
	if img := NormalizeReference(req.ImageContext); img != nil {
		messages = append(messages, bridgeMessage{Role: "user", Content: []bridgeContentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &bridgeImageURL{URL: DataURI(img.MIMEType, img.Data)}},
		}})
	} else {
		messages = append(messages, bridgeMessage{Role: "user", Content: req.Prompt})
	}
	return messages
}

func turnContent(turn types.Turn) any {
	hasMedia := false
	for _, p := range turn.Parts {
		if p.InlineData != nil {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return turn.Text()
	}
	parts := make([]bridgeContentPart, 0, len(turn.Parts))
	for _, p := range turn.Parts {
		if p.InlineData != nil {
			parts = append(parts, bridgeContentPart{
				Type:     "image_url",
				ImageURL: &bridgeImageURL{URL: DataURI(p.InlineData.MIMEType, p.InlineData.Data)},
			})
			continue
		}
		parts = append(parts, bridgeContentPart{Type: "text", Text: p.Text})
	}
	return parts
}

func (b *BridgeProvider) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	return req, nil
}

// doJSON executes a request and decodes the body into out, converting
// non-2xx responses into status-coded errors.
func (b *BridgeProvider) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (b *BridgeProvider) GenerateText(ctx context.Context, req types.GenerationRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = b.models.Flash
	}
	body := bridgeChatRequest{
		Model:       model,
		Messages:    b.buildMessages(req),
		MaxTokens:   req.Config.MaxOutputTokens,
		Temperature: req.Config.Temperature,
	}

	var out bridgeChatResponse
	if err := b.doJSON(ctx, http.MethodPost, "/chat/completions", body, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", ErrNoContent
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// GenerateTextStream opens a server-sent-event stream and forwards content
// deltas until the terminator arrives, the stream errors, or ctx is
// cancelled.
func (b *BridgeProvider) GenerateTextStream(ctx context.Context, req types.GenerationRequest) (<-chan string, <-chan error) {
	contentCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		model := req.Model
		if model == "" {
			model = b.models.Flash
		}
		body := bridgeChatRequest{
			Model:       model,
			Messages:    b.buildMessages(req),
			MaxTokens:   req.Config.MaxOutputTokens,
			Temperature: req.Config.Temperature,
			Stream:      true,
		}

		httpReq, err := b.newRequest(ctx, http.MethodPost, "/chat/completions", body)
		if err != nil {
			errCh <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := b.httpClient.Do(httpReq)
		if err != nil {
			errCh <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			errCh <- &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			return
		}

		start := time.Now()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				logging.Provider().Debugw("bridge stream completed", "model", model, "elapsed", time.Since(start))
				return
			}

			var chunk bridgeChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				errCh <- fmt.Errorf("API error: %s", chunk.Error.Message)
				return
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
				delta := chunk.Choices[0].Delta.Content
				if delta == "" {
					continue
				}
				select {
				case contentCh <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return contentCh, errCh
}

type bridgeImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type bridgeImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// aspectToSize maps canvas aspect ratios onto the fixed sizes the images
// endpoint accepts. Unknown ratios fall back to square.
func aspectToSize(aspect string) string {
	switch aspect {
	case "16:9", "4:3":
		return "1536x1024"
	case "9:16", "3:4":
		return "1024x1536"
	default:
		return "1024x1024"
	}
}

func (b *BridgeProvider) GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (string, error) {
	body := bridgeImageRequest{
		Model:          b.models.Image,
		Prompt:         prompt,
		Size:           aspectToSize(opts.AspectRatio),
		ResponseFormat: "b64_json",
	}
	if opts.Quality == "high" {
		body.Quality = "high"
	}

	var out bridgeImageResponse
	if err := b.doJSON(ctx, http.MethodPost, "/images/generations", body, &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return "", ErrNoContent
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return "", fmt.Errorf("failed to decode image payload: %w", err)
	}
	return DataURI("image/png", raw), nil
}

type bridgeVideoRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type bridgeVideoJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (j bridgeVideoJob) settled() bool {
	switch j.Status {
	case "completed", "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

// GenerateVideo submits a job against the videos endpoint and polls its
// status until it settles, fetching the rendered asset on success. Submit
// and every poll go through the scheduler via the retry wrapper; the poll
// loop runs until the job settles or ctx is cancelled.
func (b *BridgeProvider) GenerateVideo(ctx context.Context, prompt string, opts VideoOptions) (string, error) {
	body := bridgeVideoRequest{
		Model:  b.models.Video,
		Prompt: prompt,
		Size:   aspectToSize(opts.AspectRatio),
	}

	job, err := schedule.Call(ctx, b.scheduler, b.retry, "video-submit", func(ctx context.Context) (bridgeVideoJob, error) {
		var out bridgeVideoJob
		err := b.doJSON(ctx, http.MethodPost, "/videos", body, &out)
		return out, err
	})
	if err != nil {
		return "", fmt.Errorf("submit video job: %w", err)
	}
	if job.ID == "" {
		return "", errors.New("video endpoint returned no job id")
	}
	logging.Provider().Infow("video job submitted", "model", b.models.Video, "job", job.ID)

	polls := 0
	for !job.settled() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.pollInterval):
		}
		job, err = schedule.Call(ctx, b.scheduler, b.retry, "video-poll", func(ctx context.Context) (bridgeVideoJob, error) {
			var out bridgeVideoJob
			err := b.doJSON(ctx, http.MethodGet, "/videos/"+job.ID, nil, &out)
			return out, err
		})
		if err != nil {
			return "", fmt.Errorf("poll video job: %w", err)
		}
		polls++
		logging.Provider().Debugw("video job polled", "job", job.ID, "polls", polls, "status", job.Status)
	}

	if job.Status == "failed" || job.Status == "cancelled" {
		msg := job.Status
		if job.Error != nil {
			msg = job.Error.Message
		}
		return "", fmt.Errorf("video job %s: %s", job.ID, msg)
	}

	data, err := b.fetchVideoContent(ctx, job.ID)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "atelier-video-*.mp4")
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write video file: %w", err)
	}
	logging.Provider().Infow("video asset stored", "path", f.Name(), "bytes", len(data), "polls", polls)
	return f.Name(), nil
}

func (b *BridgeProvider) fetchVideoContent(ctx context.Context, jobID string) ([]byte, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/videos/"+jobID+"/content", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return io.ReadAll(resp.Body)
}

// RouteRequest issues the structured routing call using a JSON-schema
// response format. Parse failures degrade to the safe default decision.
func (b *BridgeProvider) RouteRequest(ctx context.Context, prompt string, history []types.Turn, imageContext *types.Blob) (*types.RouterDecision, error) {
	req := types.GenerationRequest{
		Prompt:       prompt,
		History:      history,
		ImageContext: imageContext,
		Config:       types.GenerationConfig{SystemInstruction: routerInstruction},
	}
	body := bridgeChatRequest{
		Model:       b.models.Lite,
		Messages:    b.buildMessages(req),
		Temperature: 0.1,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "router_decision",
				"schema": routerSchema(),
			},
		},
	}

	var out bridgeChatResponse
	if err := b.doJSON(ctx, http.MethodPost, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("API error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return DefaultDecision("fallback: router returned no content"), nil
	}
	return ParseRouterDecision(out.Choices[0].Message.Content), nil
}
