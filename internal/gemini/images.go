package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// imageModel is the dedicated generation model; the per-group chat model
// override does not apply to images.
const imageModel = "imagen-3.0-generate-002"

// GenerateImage renders prompt and returns the raw encoded image bytes.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := c.genai.Models.GenerateImages(ctx, imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("generate image: empty response")
	}
	return resp.GeneratedImages[0].Image.ImageBytes, nil
}
