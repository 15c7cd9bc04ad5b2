package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"google.golang.org/genai"

	"atelier/internal/logging"
	"atelier/internal/schedule"
	"atelier/internal/types"
)

// GeminiProvider is the native multimodal backend, built on the official
// genai SDK. It owns the long-running pieces of the capability set (video
// job polling) and routes each poll through the scheduler and retry
// wrapper so background polling respects the same pacing as foreground
// calls.
type GeminiProvider struct {
	client       *genai.Client
	models       Models
	scheduler    *schedule.Scheduler
	retry        schedule.RetryPolicy
	pollInterval time.Duration
}

// NewGeminiProvider constructs the native backend. The API key is a hard
// requirement at startup.
func NewGeminiProvider(ctx context.Context, apiKey string, models Models, scheduler *schedule.Scheduler, retry schedule.RetryPolicy, pollInterval time.Duration) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &GeminiProvider{
		client:       client,
		models:       models,
		scheduler:    scheduler,
		retry:        retry,
		pollInterval: pollInterval,
	}, nil
}

var _ Provider = (*GeminiProvider)(nil)

// buildContents converts sanitized history plus the current prompt into
// genai content. The reference image rides on the final user turn.
func buildContents(req types.GenerationRequest) []*genai.Content {
	history := SanitizeHistory(req.History)
	contents := make([]*genai.Content, 0, len(history)+1)

	for _, turn := range history {
		role := genai.RoleUser
		if turn.Role == types.RoleModel {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			if p.InlineData != nil {
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				}})
				continue
			}
			parts = append(parts, &genai.Part{Text: p.Text})
		}
		contents = append(contents, &genai.Content{Role: string(role), Parts: parts})
	}

	userParts := []*genai.Part{{Text: req.Prompt}}
	if img := NormalizeReference(req.ImageContext); img != nil {
		userParts = append(userParts, &genai.Part{InlineData: &genai.Blob{
			MIMEType: img.MIMEType,
			Data:     img.Data,
		}})
	}
	contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: userParts})
	return contents
}

func buildConfig(cfg types.GenerationConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		out.Temperature = genai.Ptr(cfg.Temperature)
	}
	if cfg.MaxOutputTokens > 0 {
		out.MaxOutputTokens = cfg.MaxOutputTokens
	}
	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.ThinkingBudget > 0 {
		out.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(cfg.ThinkingBudget),
		}
	}
	if cfg.ResponseMIMEType != "" {
		out.ResponseMIMEType = cfg.ResponseMIMEType
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoContent
	}
	text := resp.Text()
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

// GenerateText performs a single-shot generation. A rate-limited call on
// the high-tier model is retried once against the flash tier: a semantic
// capability downgrade, distinct from - and layered under - the wrapper's
// transient retry.
func (g *GeminiProvider) GenerateText(ctx context.Context, req types.GenerationRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = g.models.Flash
	}
	contents := buildContents(req)
	cfg := buildConfig(req.Config)

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil && model == g.models.Pro && schedule.Retryable(err) {
		logging.Provider().Warnw("high-tier model rate limited, downgrading",
			"from", model, "to", g.models.Flash, "error", err)
		model = g.models.Flash
		resp, err = g.client.Models.GenerateContent(ctx, model, contents, cfg)
	}
	if err != nil {
		return "", err
	}
	return responseText(resp)
}

// GenerateTextStream bridges the SDK's streaming iterator onto channels.
// Fragments are forwarded in arrival order; the goroutine exits when the
// stream ends, errors, or ctx is cancelled, closing both channels.
func (g *GeminiProvider) GenerateTextStream(ctx context.Context, req types.GenerationRequest) (<-chan string, <-chan error) {
	contentCh := make(chan string, 64)
	errCh := make(chan error, 1)

	model := req.Model
	if model == "" {
		model = g.models.Flash
	}
	contents := buildContents(req)
	cfg := buildConfig(req.Config)

	go func() {
		defer close(contentCh)
		defer close(errCh)

		start := time.Now()
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				errCh <- err
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case contentCh <- part.Text:
				case <-ctx.Done():
					return
				}
			}
		}
		logging.Provider().Debugw("stream completed", "model", model, "elapsed", time.Since(start))
	}()

	return contentCh, errCh
}

// GenerateImage generates an image through the image-capable model and
// returns it as a data URI. Generation preferences ride in the prompt; the
// reference image, when present and usable, enables image-to-image.
func (g *GeminiProvider) GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (string, error) {
	parts := []*genai.Part{{Text: imagePrompt(prompt, opts)}}
	if ref := NormalizeReference(opts.Reference); ref != nil {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{
			MIMEType: ref.MIMEType,
			Data:     ref.Data,
		}})
	}
	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: parts}}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.models.Image, contents, cfg)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoContent
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return DataURI(part.InlineData.MIMEType, part.InlineData.Data), nil
		}
	}
	return "", ErrNoContent
}

func imagePrompt(prompt string, opts ImageOptions) string {
	out := prompt
	if opts.AspectRatio != "" {
		out += "\nAspect ratio: " + opts.AspectRatio
	}
	if opts.Quality == "high" {
		out += "\nRender at the highest quality and detail."
	}
	return out
}

// GenerateVideo submits a video job and polls it at a fixed interval until
// the operation settles. Every poll re-enters the scheduler through the
// retry wrapper. The completion result is a reference, so the asset bytes
// are downloaded before returning a local path. The loop itself has no
// deadline: it runs until the job settles or ctx is cancelled.
func (g *GeminiProvider) GenerateVideo(ctx context.Context, prompt string, opts VideoOptions) (string, error) {
	var image *genai.Image
	if ref := NormalizeReference(opts.Reference); ref != nil {
		image = &genai.Image{ImageBytes: ref.Data, MIMEType: ref.MIMEType}
	}
	cfg := &genai.GenerateVideosConfig{}
	if opts.AspectRatio != "" {
		cfg.AspectRatio = opts.AspectRatio
	}

	op, err := schedule.Call(ctx, g.scheduler, g.retry, "video-submit", func(ctx context.Context) (*genai.GenerateVideosOperation, error) {
		return g.client.Models.GenerateVideos(ctx, g.models.Video, prompt, image, cfg)
	})
	if err != nil {
		return "", fmt.Errorf("submit video job: %w", err)
	}
	logging.Provider().Infow("video job submitted", "model", g.models.Video)

	polls := 0
	for !op.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.pollInterval):
		}
		op, err = schedule.Call(ctx, g.scheduler, g.retry, "video-poll", func(ctx context.Context) (*genai.GenerateVideosOperation, error) {
			return g.client.Operations.GetVideosOperation(ctx, op, nil)
		})
		if err != nil {
			return "", fmt.Errorf("poll video job: %w", err)
		}
		polls++
		logging.Provider().Debugw("video job polled", "polls", polls, "done", op.Done)
	}

	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 {
		return "", errors.New("video job completed without output")
	}
	video := op.Response.GeneratedVideos[0]
	if _, err := g.client.Files.Download(ctx, video.Video, nil); err != nil {
		return "", fmt.Errorf("download video asset: %w", err)
	}
	if len(video.Video.VideoBytes) == 0 {
		return "", errors.New("video asset download returned no data")
	}

	f, err := os.CreateTemp("", "atelier-video-*.mp4")
	if err != nil {
		return "", fmt.Errorf("create video file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(video.Video.VideoBytes); err != nil {
		return "", fmt.Errorf("write video file: %w", err)
	}
	logging.Provider().Infow("video asset stored", "path", f.Name(), "bytes", len(video.Video.VideoBytes), "polls", polls)
	return f.Name(), nil
}

// RouteRequest performs the structured routing call against the cheap tier.
// The schema constrains the output; anything still malformed degrades to
// the safe default decision.
func (g *GeminiProvider) RouteRequest(ctx context.Context, prompt string, history []types.Turn, imageContext *types.Blob) (*types.RouterDecision, error) {
	req := types.GenerationRequest{
		Model:        g.models.Lite,
		Prompt:       prompt,
		History:      history,
		ImageContext: imageContext,
	}
	contents := buildContents(req)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: routerInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    geminiRouterSchema(),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.models.Lite, contents, cfg)
	if err != nil {
		return nil, err
	}
	text, err := responseText(resp)
	if err != nil {
		return DefaultDecision("fallback: router returned no content"), nil
	}
	return ParseRouterDecision(text), nil
}

// geminiRouterSchema mirrors routerSchema() in the SDK's native schema
// type, with the same enumerated values.
func geminiRouterSchema() *genai.Schema {
	agentEnum := make([]string, len(types.KnownAgents))
	for i, a := range types.KnownAgents {
		agentEnum[i] = string(a)
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"targetAgent": {Type: genai.TypeString, Enum: agentEnum},
			"reasoning":   {Type: genai.TypeString},
			"artifact": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"operation":   {Type: genai.TypeString, Enum: []string{"create", "update"}},
					"type":        {Type: genai.TypeString, Enum: []string{"code", "text", "image", "video"}},
					"title":       {Type: genai.TypeString},
					"targetId":    {Type: genai.TypeString},
					"language":    {Type: genai.TypeString},
					"aspectRatio": {Type: genai.TypeString, Enum: []string{"1:1", "16:9", "9:16", "4:3", "3:4"}},
					"quality":     {Type: genai.TypeString, Enum: []string{"standard", "high"}},
				},
				Required: []string{"operation", "type", "title"},
			},
			"connections": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"from": {Type: genai.TypeString},
						"to":   {Type: genai.TypeString},
					},
					Required: []string{"from", "to"},
				},
			},
		},
		Required: []string{"targetAgent", "reasoning"},
	}
}
