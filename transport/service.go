package transport

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified dispatch service name.
const ServiceName = "vat.v1.VatService"

// DispatchProcedure is the dispatch method's RPC path, shared by the gRPC
// and Connect surfaces.
const DispatchProcedure = "/vat.v1.VatService/Dispatch"

// VatServiceServer is the dispatch service contract: one crank in, its
// syscalls out.
type VatServiceServer interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error)
}

// ---------------------------------------------------------------------------
// gRPC surface
// ---------------------------------------------------------------------------

func dispatchGRPCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DispatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VatServiceServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DispatchProcedure}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VatServiceServer).Dispatch(ctx, req.(*DispatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// VatServiceDesc is the hand-maintained gRPC service descriptor; the
// message types carry their own wire codec, so no generated stubs are
// involved.
var VatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler:    dispatchGRPCHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/vat/v1/vat.proto",
}

// RegisterVatServiceServer registers the dispatch service on a gRPC
// server. The server must be built with grpc.ForceServerCodec(WireCodec())
// so request payloads decode through the hand-rolled codec.
func RegisterVatServiceServer(s grpc.ServiceRegistrar, srv VatServiceServer) {
	s.RegisterService(&VatServiceDesc, srv)
}

// WireCodec returns the codec shared by the gRPC and Connect surfaces.
func WireCodec() interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
} {
	return wireCodec{}
}

// DispatchGRPC invokes the dispatch method over an established gRPC
// connection.
func DispatchGRPC(ctx context.Context, conn *grpc.ClientConn, req *DispatchRequest) (*DispatchResponse, error) {
	out := new(DispatchResponse)
	if err := conn.Invoke(ctx, DispatchProcedure, req, out, grpc.ForceCodec(wireCodec{})); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Connect surface
// ---------------------------------------------------------------------------

// NewVatServiceHandler returns the HTTP path and handler serving the
// dispatch service over the Connect protocol.
func NewVatServiceHandler(svc VatServiceServer, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(wireCodec{})}, opts...)
	h := connect.NewUnaryHandler(
		DispatchProcedure,
		func(ctx context.Context, req *connect.Request[DispatchRequest]) (*connect.Response[DispatchResponse], error) {
			res, err := svc.Dispatch(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)
	return DispatchProcedure, h
}

// VatServiceClient calls the dispatch service over Connect.
type VatServiceClient struct {
	dispatch *connect.Client[DispatchRequest, DispatchResponse]
}

// NewVatServiceClient builds a client against baseURL.
func NewVatServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *VatServiceClient {
	opts = append([]connect.ClientOption{connect.WithCodec(wireCodec{})}, opts...)
	return &VatServiceClient{
		dispatch: connect.NewClient[DispatchRequest, DispatchResponse](httpClient, baseURL+DispatchProcedure, opts...),
	}
}

// Dispatch sends one crank and returns its syscalls.
func (c *VatServiceClient) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	res, err := c.dispatch.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
