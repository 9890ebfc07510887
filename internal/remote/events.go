package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/oauth2"
)

// EventType distinguishes import-progress notifications.
type EventType string

// Event types.
const (
	EventSetup  EventType = "setup"
	EventImport EventType = "import"
)

// Event is one import-progress notification. An import is finished when it
// succeeded and carries an end marker.
type Event struct {
	Type         EventType `json:"kind"`
	Succeeded    bool      `json:"succeeded"`
	HasEndMarker bool      `json:"hasEndMarker"`
}

// Finished reports whether ev marks a completed import.
func (ev Event) Finished() bool {
	return ev.Type == EventImport && ev.Succeeded && ev.HasEndMarker
}

// eventBuffer is the channel capacity for undelivered events.
const eventBuffer = 16

// Subscribe dials the event stream at rawURL and returns a channel of
// events. The channel is closed when the connection ends or ctx is done.
func Subscribe(ctx context.Context, rawURL string, src oauth2.TokenSource, logger *slog.Logger) (<-chan Event, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	opts.HTTPHeader.Set("User-Agent", userAgent)

	if src != nil {
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("remote: obtaining token: %w", err)
		}

		opts.HTTPHeader.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	conn, resp, err := websocket.Dial(ctx, rawURL, opts)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("remote: dialing event stream: %w", err)
	}

	logger.Info("subscribed to import events", slog.String("url", rawURL))

	out := make(chan Event, eventBuffer)

	go func() {
		defer close(out)
		defer conn.CloseNow()

		for {
			var ev Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				logStreamEnd(ctx, logger, err)
				return
			}

			logger.Debug("import event",
				slog.String("type", string(ev.Type)),
				slog.Bool("succeeded", ev.Succeeded),
				slog.Bool("end_marker", ev.HasEndMarker),
			)

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func logStreamEnd(ctx context.Context, logger *slog.Logger, err error) {
	switch {
	case ctx.Err() != nil:
		logger.Debug("event stream closed", slog.String("reason", ctx.Err().Error()))
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		logger.Debug("event stream closed by server")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Debug("event stream timed out")
	default:
		logger.Warn("event stream failed", slog.String("error", err.Error()))
	}
}
