// Package live serves hub events to remote followers over a gRPC
// server-streaming call. Messages are google.protobuf.Struct values holding
// the JSON form of an event.Envelope.
package live

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "brokergate.v1.EventStream"
	subscribeMethod  = "/" + serviceName + "/Subscribe"
	protoDescription = "brokergate/v1/events.proto"
)

// EventStreamServer is the server side of the event stream. The request
// may carry a "kinds" list restricting which events are sent.
type EventStreamServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

var eventStreamDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EventStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: protoDescription,
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventStreamServer).Subscribe(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterEventStreamServer registers srv on gs.
func RegisterEventStreamServer(gs grpc.ServiceRegistrar, srv EventStreamServer) {
	gs.RegisterService(&eventStreamDesc, srv)
}

// subscribe opens the stream on conn and sends req.
func subscribe(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cs, err := conn.NewStream(ctx, &eventStreamDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
