package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event is one streamed hub event. Data holds the JSON encoding of the
// domain event named by Kind.
type Event struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"timestamp"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals Data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Client connects to an event stream server and hands each event to a
// callback.
type Client struct {
	addr string
	opts []grpc.DialOption
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Without
// options the connection is plaintext.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{addr: addr, opts: opts, log: log}
}

// Follow streams events of the given kinds (all kinds when empty) to fn. It
// blocks until ctx is cancelled, the stream ends or fn returns an error.
func (c *Client) Follow(ctx context.Context, kinds []string, fn func(Event) error) error {
	conn, err := grpc.NewClient(c.addr, c.opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	list := make([]any, len(kinds))
	for i, k := range kinds {
		list[i] = k
	}
	req, err := structpb.NewStruct(map[string]any{"kinds": list})
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	stream, err := subscribe(ctx, conn, req)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr, "kinds", kinds)

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		ev, err := structToEvent(msg)
		if err != nil {
			c.log.Warn("undecodable stream event", "error", err)
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func structToEvent(msg *structpb.Struct) (Event, error) {
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
