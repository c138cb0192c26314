package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
)

// MetadataDeviceID lets callers name the device when the request body does
// not carry it.
const MetadataDeviceID = "x-device-id"

func deviceIDOf(ctx context.Context, req any) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(MetadataDeviceID); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	switch r := req.(type) {
	case *wrapperspb.StringValue:
		return r.GetValue()
	case *structpb.Struct:
		return r.GetFields()["deviceId"].GetStringValue()
	}
	return ""
}

func (i *IOTServer) CreateRateLimitInterceptor(targetMethods []string) grpc.UnaryServerInterceptor {
	targets := common.Reducer(targetMethods,
		func(m map[string]bool, method string) map[string]bool {
			m[method] = true
			return m
		},
		map[string]bool{},
	)

	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if targets[info.FullMethod] {
			if deviceID := deviceIDOf(ctx, req); deviceID != "" && !i.CheckDeviceLimiter(deviceID) {
				return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
			}
		}

		return handler(ctx, req)
	}
}
