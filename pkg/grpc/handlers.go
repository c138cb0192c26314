package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	z "github.com/Oudwins/zog"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

func validateDeviceID(deviceID *string) z.ZogIssueList {
	var deviceIdValidator = z.String().Min(1).Required()
	return deviceIdValidator.Validate(deviceID)
}

func statusResponse(success bool, message string, extra map[string]any) *structpb.Struct {
	fields := map[string]any{"success": success, "message": message}
	for k, v := range extra {
		fields[k] = v
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		s, _ = structpb.NewStruct(map[string]any{"success": false, "message": err.Error()})
	}
	return s
}

// toStatus maps errors a caller should retry or back off from onto grpc codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, iot.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, iot.ErrServiceClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, iot.ErrInboxFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, models.ErrDeviceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrDeviceInactive):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func retryable(err error) bool {
	return errors.Is(err, iot.ErrRateLimited) || errors.Is(err, iot.ErrServiceClosed) || errors.Is(err, iot.ErrInboxFull)
}

// PushReading accepts one reading as a Struct shaped like its JSON form.
// Validation happens on the device's channel, so an accepted push may still be
// dropped there.
func (s *IOTServer) PushReading(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID := req.GetFields()["deviceId"].GetStringValue()
	if err := validateDeviceID(&deviceID); err != nil {
		return statusResponse(false, fmt.Sprintf("validation error: %v", err), nil), nil
	}

	data, err := req.MarshalJSON()
	if err != nil {
		return statusResponse(false, fmt.Sprintf("validation error: %v", err), nil), nil
	}

	if err := s.Iot.Push(ctx, deviceID, iot.FrameReading, data); err != nil {
		if retryable(err) {
			return nil, toStatus(err)
		}
		return statusResponse(false, err.Error(), nil), nil
	}
	s.logger.Debug("Accepted pushed reading", zap.String("device_id", deviceID))
	return statusResponse(true, "OK", nil), nil
}

func (s *IOTServer) Heartbeat(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	deviceID := req.GetValue()
	if err := validateDeviceID(&deviceID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "validation error: %v", err)
	}
	if err := s.Iot.Push(ctx, deviceID, iot.FrameHeartbeat, nil); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *IOTServer) GetAlerts(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	deviceID := req.GetValue()
	if err := validateDeviceID(&deviceID); err != nil {
		return statusResponse(false, fmt.Sprintf("validation error: %v", err), nil), nil
	}

	alerts, err := s.Iot.Alert.GetDeviceAlerts(ctx, deviceID)
	if err != nil {
		return statusResponse(false, err.Error(), nil), nil
	}

	list, err := toList(alerts)
	if err != nil {
		return statusResponse(false, err.Error(), nil), nil
	}
	return statusResponse(true, "OK", map[string]any{"alerts": list}), nil
}

func (s *IOTServer) GetDeviceState(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	deviceID := req.GetValue()
	if err := validateDeviceID(&deviceID); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "validation error: %v", err)
	}
	state, ok := s.Iot.DeviceState(deviceID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no active channel for device %s", deviceID)
	}
	return wrapperspb.String(string(state)), nil
}

// toList converts values through their JSON form into what structpb accepts.
func toList(v any) ([]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}
