package kie

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/digkill/TGImageBot/internal/models"
)

// ImageStorage publishes a source photo and returns a URL the provider can fetch.
type ImageStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Executor turns normalized generation requests into image bytes.
type Executor struct {
	client      *Client
	images      ImageStorage
	model       models.ModelType
	aspectRatio  string
	resolution   string
	outputFormat string
}

func NewExecutor(client *Client, images ImageStorage, model models.ModelType) *Executor {
	if model == "" {
		model = models.ModelFlux2
	}
	return &Executor{
		client:       client,
		images:       images,
		model:        model,
		aspectRatio:  "1:1",
		resolution:   "1K",
		outputFormat: "png",
	}
}

func (e *Executor) Generate(ctx context.Context, req models.GenerationRequest) ([]byte, error) {
	return e.run(ctx, GenerateOptions{
		Prompt:       req.Prompt,
		AspectRatio:  e.aspectRatio,
		Resolution:   e.resolution,
		OutputFormat: e.outputFormat,
	})
}

// Edit uploads the source photo and asks the provider to restyle it with the caption.
func (e *Executor) Edit(ctx context.Context, req models.GenerationRequest) ([]byte, error) {
	if e.images == nil {
		return nil, providerError(models.ProviderErrMalformed, errors.New("image storage is not configured"))
	}
	if len(req.SourceImage) == 0 {
		return nil, providerError(models.ProviderErrMalformed, errors.New("source image is empty"))
	}
	sourceURL, err := e.images.Upload(ctx, req.SourceImage, http.DetectContentType(req.SourceImage))
	if err != nil {
		return nil, providerError(models.ProviderErrNetwork, fmt.Errorf("upload source image: %w", err))
	}
	return e.run(ctx, GenerateOptions{
		Prompt:       req.Caption,
		AspectRatio:  e.aspectRatio,
		Resolution:   e.resolution,
		InputURLs:    []string{sourceURL},
		OutputFormat: e.outputFormat,
	})
}

func (e *Executor) run(ctx context.Context, opts GenerateOptions) ([]byte, error) {
	var (
		image *Image
		err   error
	)
	switch e.model {
	case models.ModelFlux2:
		image, err = e.client.GenerateFlux2(ctx, opts)
	case models.ModelNanoBanana:
		image, err = e.client.GenerateNanoBanana(ctx, opts)
	default:
		return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("unsupported model: %s", e.model))
	}
	if err != nil {
		return nil, err
	}
	return e.client.Download(ctx, image.URL)
}
