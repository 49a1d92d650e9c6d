package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jbweber/sma/internal/device"
)

var kindCodes = map[device.ErrorKind]codes.Code{
	device.KindInvalidParams:        codes.InvalidArgument,
	device.KindUnsupportedTransport: codes.Unimplemented,
	device.KindNotFound:             codes.NotFound,
	device.KindInvalidState:         codes.FailedPrecondition,
	device.KindDeviceBusy:           codes.FailedPrecondition,
	device.KindCapacityExceeded:     codes.ResourceExhausted,
	device.KindBackendFailure:       codes.Internal,
	device.KindUnreachable:          codes.Unavailable,
	device.KindDirtyState:           codes.DataLoss,
}

// CodeOf returns the gRPC code for an error kind.
func CodeOf(kind device.ErrorKind) codes.Code {
	if c, ok := kindCodes[kind]; ok {
		return c
	}
	return codes.Unknown
}

// toStatus converts an agent error into a gRPC status error. A classified
// error keeps its kind even when a context error sits underneath it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var de *device.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
	}
	kind := device.KindOf(err)
	return status.Error(CodeOf(kind), string(kind)+": "+err.Error())
}
