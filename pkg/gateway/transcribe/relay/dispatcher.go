package relay

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/speech/apiv2/speechpb"

	"github.com/clinicore/clinicore/pkg/gateway/transcribe/protocol"
)

// sender delivers one JSON message to the client.
type sender interface {
	Send(v any) error
}

// persistError is a transcript durability failure. Finalized text could not
// be saved, so the relay must surface an error to the client instead of
// closing as a normal stop.
type persistError struct {
	Err error
}

func (e *persistError) Error() string {
	return fmt.Sprintf("transcript persistence failed: %v", e.Err)
}

func (e *persistError) Unwrap() error { return e.Err }

// dispatcher classifies backend responses and fans them out: VAD events and
// hypotheses go to the client, final hypotheses also land in the accumulator.
// Responses are processed strictly in backend order.
type dispatcher struct {
	sessionID string
	out       sender
	acc       *Accumulator
	logger    *slog.Logger
}

func (d *dispatcher) Handle(ctx context.Context, resp *speechpb.StreamingRecognizeResponse) error {
	switch resp.GetSpeechEventType() {
	case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_BEGIN:
		if err := d.out.Send(protocol.VADEvent(protocol.VADSpeechStart)); err != nil {
			return err
		}
	case speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END:
		if err := d.out.Send(protocol.VADEvent(protocol.VADSpeechEnd)); err != nil {
			return err
		}
	}

	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		top := alts[0]

		msg := protocol.Transcript(top.GetTranscript(), result.GetIsFinal(), float64(top.GetConfidence()))
		if err := d.out.Send(msg); err != nil {
			return err
		}

		if result.GetIsFinal() {
			if err := d.acc.Append(ctx, d.sessionID, top.GetTranscript()); err != nil {
				d.logger.Error("transcript append failed",
					"session_id", d.sessionID, "error", err)
				return &persistError{Err: err}
			}
		}
	}
	return nil
}
