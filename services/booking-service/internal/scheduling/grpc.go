package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lanceboard/lanceboard/libs/grpcx"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The policy service speaks plain structpb messages so no generated code is needed:
//
//	request  {"provider_id": string, "date": "YYYY-MM-DD"}
//	response {"working": bool, "start_minute": number, "end_minute": number}
const (
	GRPCServiceName = "lanceboard.scheduling.v1.WorkingHours"
	grpcGetMethod   = "/" + GRPCServiceName + "/Get"
)

// GRPCProvider asks a remote policy service for working hours.
type GRPCProvider struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

func NewGRPCProvider(addr string, timeout time.Duration, extra ...grpc.DialOption) (*GRPCProvider, error) {
	if addr == "" {
		return nil, errors.New("scheduling grpc address is required")
	}
	conn, err := grpcx.Dial(addr, grpcx.DialOptions{}, extra...)
	if err != nil {
		return nil, err
	}
	p := NewGRPCProviderFromConn(conn, timeout)
	p.closer = conn.Close
	return p, nil
}

func NewGRPCProviderFromConn(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCProvider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GRPCProvider{conn: conn, timeout: timeout}
}

func (p *GRPCProvider) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

func (p *GRPCProvider) WorkingHours(ctx context.Context, providerID string, day time.Time) (Window, error) {
	req, err := structpb.NewStruct(map[string]any{
		"provider_id": providerID,
		"date":        day.UTC().Format(time.DateOnly),
	})
	if err != nil {
		return Window{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, grpcGetMethod, req, resp); err != nil {
		return Window{}, fromStatus(err)
	}

	h, err := decodeHours(resp)
	if err != nil {
		return Window{}, model.Unavailable("working hours", err)
	}
	h.Weekday = day.UTC().Weekday()
	return h.On(day), nil
}

func decodeHours(s *structpb.Struct) (Hours, error) {
	fields := s.GetFields()
	working, ok := fields["working"]
	if !ok {
		return Hours{}, errors.New("policy response missing working")
	}
	h := Hours{Working: working.GetBoolValue()}
	if !h.Working {
		return h, nil
	}
	h.StartMinute = int(fields["start_minute"].GetNumberValue())
	h.EndMinute = int(fields["end_minute"].GetNumberValue())
	if h.EndMinute <= h.StartMinute || h.StartMinute < 0 || h.EndMinute > minutesPerDay {
		return Hours{}, fmt.Errorf("policy response has invalid window %d-%d", h.StartMinute, h.EndMinute)
	}
	return h, nil
}

func fromStatus(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument:
		return model.NewValidationError("provider_id", st.Message())
	case codes.Canceled:
		return fmt.Errorf("working hours: %w", context.Canceled)
	default:
		return model.Unavailable("working hours", err)
	}
}

type workingHoursServer interface {
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var workingHoursServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*workingHoursServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: workingHoursGetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lanceboard/scheduling/v1/working_hours.proto",
}

func workingHoursGetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workingHoursServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcGetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workingHoursServer).Get(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterGRPCServer exposes provider as the remote policy service.
func RegisterGRPCServer(s grpc.ServiceRegistrar, provider Provider) {
	s.RegisterService(&workingHoursServiceDesc, &grpcServer{provider: provider})
}

type grpcServer struct {
	provider Provider
}

func (s *grpcServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	providerID := req.GetFields()["provider_id"].GetStringValue()
	if providerID == "" {
		return nil, status.Error(codes.InvalidArgument, "provider_id is required")
	}
	day, err := time.Parse(time.DateOnly, req.GetFields()["date"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}

	w, err := s.provider.WorkingHours(ctx, providerID, day)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	out := map[string]any{"working": w.Working}
	if w.Working {
		midnight := Midnight(day)
		out["start_minute"] = w.Start.Sub(midnight).Minutes()
		out["end_minute"] = w.End.Sub(midnight).Minutes()
	}
	return structpb.NewStruct(out)
}
