// Package gateway is the boundary to the field valve controllers. Commands
// travel as google.protobuf.Struct payloads over a single unary gRPC method.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "overflow.gateway.v1.ValveGateway"
	// SetValveMethod is the full method path used on the wire.
	SetValveMethod = "/" + ServiceName + "/SetValve"
)

// Status is the gateway's verdict on a valve command.
type Status int

const (
	StatusAcknowledged Status = iota
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAcknowledged:
		return "Acknowledged"
	case StatusRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus accepts the wire names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "acknowledged", "ack":
		return StatusAcknowledged, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return 0, fmt.Errorf("unknown gateway status %q", s)
	}
}

// Request asks the gateway to drive one valve to a position.
type Request struct {
	ValveID       string
	TargetPercent int
	PlanID        string
}

// Response is the gateway's reply.
type Response struct {
	Status        Status
	ActualPercent int
	Message       string
}

// Gateway drives valves. Implementations must honour ctx cancellation.
type Gateway interface {
	SetValve(ctx context.Context, req Request) (Response, error)
}

func (r Request) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"valveId":       r.ValveID,
		"targetPercent": float64(r.TargetPercent),
		"planId":        r.PlanID,
	})
}

func requestFromStruct(s *structpb.Struct) (Request, error) {
	f := s.GetFields()
	req := Request{
		ValveID: f["valveId"].GetStringValue(),
		PlanID:  f["planId"].GetStringValue(),
	}
	if req.ValveID == "" {
		return Request{}, fmt.Errorf("valveId is required")
	}
	target, ok := f["targetPercent"]
	if !ok {
		return Request{}, fmt.Errorf("targetPercent is required")
	}
	pct := target.GetNumberValue()
	if pct < 0 || pct > 100 {
		return Request{}, fmt.Errorf("targetPercent %v outside 0-100", pct)
	}
	req.TargetPercent = int(pct)
	return req, nil
}

func (r Response) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status":        r.Status.String(),
		"actualPercent": float64(r.ActualPercent),
		"message":       r.Message,
	})
}

func responseFromStruct(s *structpb.Struct) (Response, error) {
	f := s.GetFields()
	st, err := ParseStatus(f["status"].GetStringValue())
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status:        st,
		ActualPercent: int(f["actualPercent"].GetNumberValue()),
		Message:       f["message"].GetStringValue(),
	}, nil
}
