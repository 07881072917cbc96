// ABOUTME: gRPC transport exposing the RPC dispatcher as clawgate.v1.Gateway/Call
// ABOUTME: Requests and responses are google.protobuf.Struct values, errors are gRPC statuses

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/auth"
	"github.com/2389/clawgate/internal/rpc"
)

// CallMethod is the full gRPC method name of the generic call.
const CallMethod = "/clawgate.v1.Gateway/Call"

// callServer is the server side of clawgate.v1.Gateway.
type callServer interface {
	Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(callServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(callServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// gatewayServiceDesc describes clawgate.v1.Gateway without generated code.
var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: "clawgate.v1.Gateway",
	HandlerType: (*callServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clawgate/v1/gateway.proto",
}

// grpcCall adapts the dispatcher to callServer.
type grpcCall struct {
	dispatcher *rpc.Dispatcher
}

func (c *grpcCall) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	req := rpc.Request{
		ID:     fields["id"].GetStringValue(),
		Method: fields["method"].GetStringValue(),
	}
	if p, ok := fields["params"]; ok {
		raw, err := json.Marshal(p.AsInterface())
		if err != nil {
			return nil, apierr.GRPCStatus(apierr.InvalidRequest("invalid params: %v", err))
		}
		req.Params = raw
	}

	resp := c.dispatcher.Dispatch(ctx, req)
	if !resp.OK {
		return nil, apierr.GRPCStatus(resp.Error)
	}

	payload, err := toStructValue(resp.Payload)
	if err != nil {
		return nil, apierr.GRPCStatus(apierr.Unavailable("encoding payload: %v", err))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":      structpb.NewStringValue(resp.ID),
		"ok":      structpb.NewBoolValue(true),
		"payload": payload,
	}}, nil
}

// toStructValue converts any JSON-encodable value into a protobuf Value.
func toStructValue(v any) (*structpb.Value, error) {
	if v == nil {
		return structpb.NewNullValue(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}

// newGRPCServer creates a gRPC server with JWT auth when a secret is configured.
func newGRPCServer(verifier auth.TokenVerifier, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if verifier != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(verifier, logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)),
		)
		logger.Info("gRPC auth interceptors enabled (JWT)")
	} else {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.NoAuthUnaryInterceptor()),
			grpc.ChainStreamInterceptor(auth.NoAuthStreamInterceptor()),
		)
		logger.Warn("gRPC auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(opts...)
}

// Call invokes method on a gateway over conn and returns the JSON payload.
// Gateway errors are returned as *apierr.Error.
func Call(ctx context.Context, conn grpc.ClientConnInterface, method string, params any) (json.RawMessage, error) {
	fields := map[string]*structpb.Value{
		"method": structpb.NewStringValue(method),
	}
	if params != nil {
		v, err := toStructValue(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		fields["params"] = v
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, CallMethod, &structpb.Struct{Fields: fields}, out); err != nil {
		return nil, apierr.FromGRPC(err)
	}
	payload := out.GetFields()["payload"]
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(payload.AsInterface())
}
