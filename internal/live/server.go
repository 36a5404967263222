package live

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"brokergate/internal/event"
	"brokergate/internal/metrics"
)

const defaultBuffer = 4096

// Server implements EventStreamServer over an event hub.
type Server struct {
	hub     *event.Hub
	buffer  int
	metrics metrics.Sink
	log     *slog.Logger
}

var _ EventStreamServer = (*Server)(nil)

// NewServer creates a stream server for hub. Each follower gets its own
// queue of buffer events; a follower that falls behind loses events.
func NewServer(hub *event.Hub, buffer int, sink metrics.Sink, log *slog.Logger) *Server {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{hub: hub, buffer: buffer, metrics: sink, log: log.With("component", "live")}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	RegisterEventStreamServer(gs, s)
}

// Subscribe streams hub events until the follower disconnects.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	kinds, err := requestedKinds(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ch := make(chan event.Envelope, s.buffer)
	unsub := s.hub.SubscribeAll(func(env event.Envelope) {
		if !slices.Contains(kinds, env.Kind) {
			return
		}
		select {
		case ch <- env:
		default:
			s.metrics.Incr(metrics.StreamDropped, 1, "kind", env.Kind)
		}
	})
	defer unsub()

	s.log.Info("stream follower subscribed", "kinds", kinds)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("stream follower disconnected")
			return nil
		case env := <-ch:
			msg, err := envelopeToStruct(env)
			if err != nil {
				s.log.Error("encoding stream event", "kind", env.Kind, "error", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// requestedKinds reads the optional "kinds" list. Empty means every kind.
func requestedKinds(req *structpb.Struct) ([]string, error) {
	v, ok := req.GetFields()["kinds"]
	if !ok || len(v.GetListValue().GetValues()) == 0 {
		return event.Kinds, nil
	}
	var kinds []string
	for _, item := range v.GetListValue().GetValues() {
		k := item.GetStringValue()
		if !slices.Contains(event.Kinds, k) {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func envelopeToStruct(env event.Envelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
