package relay

import (
	"context"

	"cloud.google.com/go/speech/apiv2/speechpb"
)

// RecognitionSettings captures what the relay tells the backend about the
// incoming audio. Clients send raw little-endian 16-bit PCM; no transcoding
// happens here.
type RecognitionSettings struct {
	Recognizer   string
	LanguageCode string
	Model        string
	SampleRateHz int32
}

func (s RecognitionSettings) withDefaults() RecognitionSettings {
	if s.LanguageCode == "" {
		s.LanguageCode = "en-US"
	}
	if s.Model == "" {
		s.Model = "latest_long"
	}
	if s.SampleRateHz <= 0 {
		s.SampleRateHz = 16000
	}
	return s
}

// requestStream is the pull-based request sequence consumed by the recognition
// driver: one configuration request, then every queued audio frame until
// end-of-input. It is finite and non-restartable.
type requestStream struct {
	settings   RecognitionSettings
	queue      *audioQueue
	sentConfig bool
	exhausted  bool
}

func newRequestStream(settings RecognitionSettings, queue *audioQueue) *requestStream {
	return &requestStream{settings: settings.withDefaults(), queue: queue}
}

// Next returns the next request, or ok=false once the sequence is exhausted.
func (r *requestStream) Next(ctx context.Context) (*speechpb.StreamingRecognizeRequest, bool) {
	if r.exhausted {
		return nil, false
	}
	if !r.sentConfig {
		r.sentConfig = true
		return r.configRequest(), true
	}

	frame, ok := r.queue.Pop(ctx)
	if !ok {
		r.exhausted = true
		return nil, false
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: frame,
		},
	}, true
}

func (r *requestStream) configRequest() *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: r.settings.Recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   r.settings.SampleRateHz,
							AudioChannelCount: 1,
						},
					},
					LanguageCodes: []string{r.settings.LanguageCode},
					Model:         r.settings.Model,
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{
					InterimResults:            true,
					EnableVoiceActivityEvents: true,
				},
			},
		},
	}
}
