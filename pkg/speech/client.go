package speech

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
)

// Stream is the narrow slice of speechpb.Speech_StreamingRecognizeClient the
// relay needs. Keeping it local lets tests stand in a fake without gRPC.
type Stream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Streamer opens bidirectional recognition streams.
type Streamer interface {
	StreamingRecognize(ctx context.Context) (Stream, error)
	Recognizer() string
}

type Config struct {
	ProjectID    string
	Location     string
	RecognizerID string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ProjectID) == "" {
		return fmt.Errorf("speech: project id is required")
	}
	if strings.TrimSpace(c.RecognizerID) == "" {
		return fmt.Errorf("speech: recognizer id is required")
	}
	return nil
}

// Client wraps the Cloud Speech V2 client. Construction is expensive (gRPC
// channel, auth), so the process owns exactly one and hands it to every relay.
type Client struct {
	inner      *speech.Client
	recognizer string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}

	var opts []option.ClientOption
	if location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:443", location)))
	}

	inner, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	return &Client{
		inner: inner,
		recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/%s",
			cfg.ProjectID, location, cfg.RecognizerID),
	}, nil
}

func (c *Client) StreamingRecognize(ctx context.Context) (Stream, error) {
	stream, err := c.inner.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open recognition stream: %w", err)
	}
	return stream, nil
}

func (c *Client) Recognizer() string {
	return c.recognizer
}

func (c *Client) Close() error {
	return c.inner.Close()
}
