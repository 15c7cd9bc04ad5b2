// Package provider abstracts the generation backends behind a single
// capability set: single-shot text, streaming text, image, video, and
// structured request routing. Two interchangeable implementations exist:
// the native multimodal Gemini backend and an OpenAI-compatible REST
// bridge. The orchestrator holds exactly one of them, chosen at
// construction time.
package provider

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/types"
)

// Provider is the capability set every generation backend satisfies.
type Provider interface {
	// GenerateText performs a single-shot text generation. On a rate-limit
	// failure of the high-tier model the implementation may transparently
	// downgrade once to the configured fallback model.
	GenerateText(ctx context.Context, req types.GenerationRequest) (string, error)

	// GenerateTextStream starts a streaming generation. The content channel
	// delivers fragments in exact emission order and closes when the stream
	// completes; a terminal failure is delivered on the error channel. The
	// stream is finite and not restartable. Cancelling ctx releases the
	// underlying network resources.
	GenerateTextStream(ctx context.Context, req types.GenerationRequest) (<-chan string, <-chan error)

	// GenerateImage returns the generated image as a data URI. A reference
	// image in opts enables image-to-image generation; an unsupported
	// reference format is converted or skipped with a warning, never a hard
	// failure.
	GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (string, error)

	// GenerateVideo submits a long-running video job, polls until it
	// settles, downloads the resulting asset and returns a local file path.
	GenerateVideo(ctx context.Context, prompt string, opts VideoOptions) (string, error)

	// RouteRequest performs the structured-output routing call. Malformed
	// structured content degrades to the safe default decision instead of
	// an error.
	RouteRequest(ctx context.Context, prompt string, history []types.Turn, imageContext *types.Blob) (*types.RouterDecision, error)
}

// ImageOptions configures image generation.
type ImageOptions struct {
	AspectRatio string
	Quality     string

	// Reference enables image-to-image generation.
	Reference *types.Blob
}

// VideoOptions configures video generation.
type VideoOptions struct {
	AspectRatio string

	// Reference seeds the video with a starting image.
	Reference *types.Blob
}

// Models names the model tiers a backend generates with.
type Models struct {
	Pro   string // high-reasoning tier
	Flash string // default tier, fallback target for Pro
	Lite  string // cheap tier for refinement and routing
	Image string
	Video string
}

// APIError is a backend failure that carries an HTTP-equivalent status.
// It implements schedule.StatusCoder so the retry wrapper can classify it.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// StatusCode reports the HTTP-equivalent status.
func (e *APIError) StatusCode() int { return e.Status }

// ErrNoContent is returned when a backend reports success with an empty
// candidate list.
var ErrNoContent = errors.New("no completion returned")
