// Package speech wraps Google Cloud Speech-to-Text behind the pipeline's
// Transcriber contract: input bytes -> {text, segments}.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/pdhai/meeting-notes-be/internal/pipeline"
)

// Client transcribes audio via GCP Speech-to-Text.
type Client struct {
	client       *speech.Client
	languageCode string
	logger       *slog.Logger
}

// NewClient creates a transcription client. Credentials come from the
// standard GOOGLE_APPLICATION_CREDENTIALS environment.
func NewClient(ctx context.Context, languageCode string, logger *slog.Logger) (*Client, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	if languageCode == "" {
		languageCode = "en-US"
	}

	return &Client{
		client:       c,
		languageCode: languageCode,
		logger:       logger,
	}, nil
}

// Transcribe converts audio bytes to structured text with segment timestamps.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (*pipeline.Transcript, error) {
	if len(audio) == 0 {
		return &pipeline.Transcript{}, nil
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               c.languageCode,
			Encoding:                   inferEncoding(filename),
			EnableAutomaticPunctuation: true,
			EnableWordTimeOffsets:      true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	}

	op, err := c.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("speech recognize: %w", err)
	}

	resp, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech recognize wait: %w", err)
	}

	out := &pipeline.Transcript{}
	var sb strings.Builder
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		best := alts[0]

		text := strings.TrimSpace(best.GetTranscript())
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)

		seg := pipeline.Segment{Text: text}
		if words := best.GetWords(); len(words) > 0 {
			seg.Start = words[0].GetStartTime().AsDuration().Seconds()
			seg.End = words[len(words)-1].GetEndTime().AsDuration().Seconds()
		}
		out.Segments = append(out.Segments, seg)
	}
	out.Text = sb.String()

	c.logger.Debug("Transcription complete",
		slog.String("file", filename),
		slog.Int("chars", len(out.Text)),
		slog.Int("segments", len(out.Segments)),
	)

	return out, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func inferEncoding(filename string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
