package relay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clinicore/clinicore/pkg/speech"
)

// UpstreamError is a terminal recognition backend failure. Its Message is safe
// to forward to the client; Err carries the underlying cause for logs.
type UpstreamError struct {
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream recognition failure: %s: %v", e.Message, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func classifyUpstream(err error) *UpstreamError {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return &UpstreamError{Message: "transcription quota exceeded", Err: err}
	case codes.InvalidArgument:
		return &UpstreamError{Message: "audio configuration rejected by transcription backend", Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &UpstreamError{Message: "transcription backend refused credentials", Err: err}
	default:
		return &UpstreamError{Message: "transcription backend unavailable", Err: err}
	}
}

// responseHandler consumes backend responses in arrival order.
type responseHandler interface {
	Handle(ctx context.Context, resp *speechpb.StreamingRecognizeResponse) error
}

// driver owns the blocking bidirectional recognition call. The send side is
// fed by the request stream on its own goroutine; the receive side forwards
// every response to the handler. Run returns nil when the backend closes the
// stream cleanly after the request sequence is exhausted.
type driver struct {
	streamer speech.Streamer
	requests *requestStream
	handler  responseHandler
}

func (d *driver) Run(ctx context.Context) error {
	stream, err := d.streamer.StreamingRecognize(ctx)
	if err != nil {
		return classifyUpstream(err)
	}

	// The send loop blocks on the queue; if the receive side dies first we
	// must unblock it or Run never returns.
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- d.sendLoop(sendCtx, stream)
	}()

	recvErr := d.recvLoop(ctx, stream)
	cancelSend()
	sendErr := <-sendErrCh

	if recvErr != nil {
		return recvErr
	}
	// A send failure usually surfaces as a receive error with the real status;
	// it only decides the outcome when the receive side ended cleanly.
	if sendErr != nil && !errors.Is(sendErr, io.EOF) {
		return classifyUpstream(sendErr)
	}
	return nil
}

func (d *driver) sendLoop(ctx context.Context, stream speech.Stream) error {
	for {
		req, ok := d.requests.Next(ctx)
		if !ok {
			return stream.CloseSend()
		}
		if err := stream.Send(req); err != nil {
			// io.EOF here means the stream died; Recv reports the cause.
			return err
		}
	}
}

func (d *driver) recvLoop(ctx context.Context, stream speech.Stream) error {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classifyUpstream(err)
		}
		if err := d.handler.Handle(ctx, resp); err != nil {
			return err
		}
	}
}
