// Package stream publishes pipeline results to gRPC clients.
//
// The service carries google.protobuf.Struct messages holding the JSON form
// of pipeline.Snapshot, so clients need no generated code:
//
//	service DetectionStream {
//	  rpc Latest(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Watch(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// Watch accepts an optional "labels" list; when present only detections with
// those labels are sent.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

const (
	ServiceName  = "sightline.v1.DetectionStream"
	latestMethod = "/" + ServiceName + "/Latest"
	watchMethod  = "/" + ServiceName + "/Watch"
)

type detectionStreamServer interface {
	Latest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*detectionStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sightline/v1/detections.proto",
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(detectionStreamServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(detectionStreamServer).Latest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(detectionStreamServer).Watch(in, stream)
}

func toMessage(snap pipeline.Snapshot) (*structpb.Struct, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("convert snapshot: %w", err)
	}
	return msg, nil
}

func fromMessage(msg *structpb.Struct) (pipeline.Snapshot, error) {
	var snap pipeline.Snapshot
	b, err := protojson.Marshal(msg)
	if err != nil {
		return snap, fmt.Errorf("convert message: %w", err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func watchRequest(labels []string) (*structpb.Struct, error) {
	if len(labels) == 0 {
		return &structpb.Struct{}, nil
	}
	list := make([]any, len(labels))
	for i, l := range labels {
		list[i] = l
	}
	return structpb.NewStruct(map[string]any{"labels": list})
}

func requestedLabels(req *structpb.Struct) map[string]bool {
	v, ok := req.GetFields()["labels"]
	if !ok {
		return nil
	}
	labels := map[string]bool{}
	for _, item := range v.GetListValue().GetValues() {
		if s := item.GetStringValue(); s != "" {
			labels[s] = true
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

// Latest fetches the most recent snapshot from a DetectionStream server.
func Latest(ctx context.Context, conn grpc.ClientConnInterface) (pipeline.Snapshot, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, latestMethod, &structpb.Struct{}, out); err != nil {
		return pipeline.Snapshot{}, err
	}
	return fromMessage(out)
}

// Watch streams snapshots to fn until ctx ends, the server closes the
// stream or fn returns an error, which Watch returns.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, labels []string, fn func(pipeline.Snapshot) error) error {
	req, err := watchRequest(labels)
	if err != nil {
		return err
	}
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		snap, err := fromMessage(msg)
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}
