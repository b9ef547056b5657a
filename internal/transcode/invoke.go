package transcode

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// invoker turns a resolved MethodDescriptor plus a JSON request body into
// a dynamic gRPC call, with no generated client stub on either side.
type invoker struct {
	marshalOpts   protojson.MarshalOptions
	unmarshalOpts protojson.UnmarshalOptions
}

func newInvoker() *invoker {
	return &invoker{
		marshalOpts:   protojson.MarshalOptions{UseProtoNames: true},
		unmarshalOpts: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func fullMethodName(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}

func (inv *invoker) invokeUnary(ctx context.Context, conn *grpc.ClientConn, md protoreflect.MethodDescriptor, jsonBody []byte) ([]byte, error) {
	in := dynamicpb.NewMessage(md.Input())
	if len(jsonBody) > 0 {
		if err := inv.unmarshalOpts.Unmarshal(jsonBody, in); err != nil {
			return nil, fmt.Errorf("parse request json: %w", err)
		}
	}

	out := dynamicpb.NewMessage(md.Output())
	if err := conn.Invoke(ctx, fullMethodName(md), in, out); err != nil {
		return nil, err
	}

	resp, err := inv.marshalOpts.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal response json: %w", err)
	}
	return resp, nil
}

// dynamicCodec lets grpc.ClientConn carry dynamicpb messages without a
// compiled .pb.go on either side of the call.
type dynamicCodec struct{}

func (dynamicCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (dynamicCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (dynamicCodec) Name() string { return "proto" }

func (inv *invoker) invokeServerStream(ctx context.Context, conn *grpc.ClientConn, md protoreflect.MethodDescriptor, jsonBody []byte, w *ndjsonWriter) error {
	in := dynamicpb.NewMessage(md.Input())
	if len(jsonBody) > 0 {
		if err := inv.unmarshalOpts.Unmarshal(jsonBody, in); err != nil {
			return fmt.Errorf("parse request json: %w", err)
		}
	}

	desc := &grpc.StreamDesc{StreamName: string(md.Name()), ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, fullMethodName(md))
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		out := dynamicpb.NewMessage(md.Output())
		if err := stream.RecvMsg(out); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := w.WriteMessage(out); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (inv *invoker) invokeClientStream(ctx context.Context, conn *grpc.ClientConn, md protoreflect.MethodDescriptor, r *ndjsonReader) ([]byte, error) {
	desc := &grpc.StreamDesc{StreamName: string(md.Name()), ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, fullMethodName(md))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	for {
		in := dynamicpb.NewMessage(md.Input())
		if err := r.ReadMessage(in); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read request: %w", err)
		}
		if err := stream.SendMsg(in); err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	out := dynamicpb.NewMessage(md.Output())
	if err := stream.RecvMsg(out); err != nil {
		return nil, err
	}
	resp, err := inv.marshalOpts.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal response json: %w", err)
	}
	return resp, nil
}

func (inv *invoker) invokeBidiStream(ctx context.Context, conn *grpc.ClientConn, md protoreflect.MethodDescriptor, r *ndjsonReader, w *ndjsonWriter) error {
	desc := &grpc.StreamDesc{StreamName: string(md.Name()), ServerStreams: true, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, fullMethodName(md))
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stream.CloseSend()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			in := dynamicpb.NewMessage(md.Input())
			if err := r.ReadMessage(in); err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("read request: %w", err)
			}
			if err := stream.SendMsg(in); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			out := dynamicpb.NewMessage(md.Output())
			if err := stream.RecvMsg(out); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			if err := w.WriteMessage(out); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	})

	return g.Wait()
}
