package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/overflow-control/model"
)

// FromStatusError maps a gRPC client error onto the control-loop sentinels.
// Unavailable becomes ErrGatewayUnreachable and DeadlineExceeded becomes
// ErrCommandTimedOut, both of which the dispatcher retries.
func FromStatusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrCommandTimedOut, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", model.ErrGatewayUnreachable, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", model.ErrGatewayUnreachable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", model.ErrCommandTimedOut, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		return fmt.Errorf("%w: %s", model.ErrUnknownValve, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", model.ErrCommandFailed, st.Code(), st.Message())
	}
}

// ToStatusError maps gateway-side failures onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, model.ErrUnknownValve):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrGatewayUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrCommandTimedOut):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
