// Package vision wraps Google Cloud Vision OCR behind the pipeline's
// OCRClient contract: image bytes -> extracted text.
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// Client extracts text from slide images via GCP Vision.
type Client struct {
	client *vision.ImageAnnotatorClient
	logger *slog.Logger
}

// NewClient creates an OCR client.
func NewClient(ctx context.Context, logger *slog.Logger) (*Client, error) {
	c, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	return &Client{
		client: c,
		logger: logger,
	}, nil
}

// ExtractText runs document text detection on a single image.
func (c *Client) ExtractText(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", nil
	}

	resp, err := c.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: image},
			Features: []*visionpb.Feature{{
				Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION,
			}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision annotate: %w", err)
	}

	if len(resp.GetResponses()) == 0 {
		return "", nil
	}

	r := resp.GetResponses()[0]
	if e := r.GetError(); e != nil {
		return "", fmt.Errorf("vision annotate: %s", e.GetMessage())
	}

	text := strings.TrimSpace(r.GetFullTextAnnotation().GetText())

	c.logger.Debug("OCR complete",
		slog.Int("image_size", len(image)),
		slog.Int("chars", len(text)),
	)

	return text, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.client.Close()
}
