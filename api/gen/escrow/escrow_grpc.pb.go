package escrowpb

import (
	context "context"

	grpc "google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "escrow.EscrowService"

// Methods lists the rpcs of EscrowService in declaration order.
var Methods = []string{
	"CreateWallet",
	"GetWallet",
	"ListTransactions",
	"GetDispute",
	"Verify",
	"RecordDeposit",
	"RequestFinalPayment",
	"RecordFinalPayment",
	"RequestRefund",
	"ReleaseToSeller",
	"OpenDispute",
	"ResolveDispute",
	"SetReleaseCondition",
	"CancelWallet",
	"RecordAdjustment",
	"Rebuild",
}

func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type EscrowServiceClient interface {
	Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type escrowServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewEscrowServiceClient(cc grpc.ClientConnInterface) EscrowServiceClient {
	return &escrowServiceClient{cc: cc}
}

func (c *escrowServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EscrowServiceServer serves every rpc through one entry point since all of
// them share the Struct in, Struct out shape.
type EscrowServiceServer interface {
	Handle(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

type UnimplementedEscrowServiceServer struct{}

func (UnimplementedEscrowServiceServer) Handle(_ context.Context, method string, _ *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func RegisterEscrowServiceServer(s grpc.ServiceRegistrar, srv EscrowServiceServer) {
	s.RegisterService(&EscrowService_ServiceDesc, srv)
}

func methodHandler(method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(EscrowServiceServer).Handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(EscrowServiceServer).Handle(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func methodDescs() []grpc.MethodDesc {
	out := make([]grpc.MethodDesc, 0, len(Methods))
	for _, m := range Methods {
		out = append(out, grpc.MethodDesc{MethodName: m, Handler: methodHandler(m)})
	}
	return out
}

var EscrowService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EscrowServiceServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "escrow.proto",
}
