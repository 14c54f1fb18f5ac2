// Package rpc exposes the escrow commands over gRPC. Requests and replies are
// Structs carrying the same JSON documents as the HTTP API.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	escrowpb "github.com/example/preorder-escrow/api/gen/escrow"
	"github.com/example/preorder-escrow/internal/api"
	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/security"
)

const (
	idempotencyKeyMD = "idempotency-key"
	correlationIDMD  = "x-correlation-id"
)

type Server struct {
	escrow api.Escrow
	ops    map[string]*api.Operation
	logger *slog.Logger
}

var _ escrowpb.EscrowServiceServer = (*Server)(nil)

func NewServer(e api.Escrow, logger *slog.Logger) (*Server, error) {
	if e == nil {
		return nil, errors.New("rpc: escrow service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ops, err := api.Operations()
	if err != nil {
		return nil, err
	}
	for _, m := range escrowpb.Methods {
		if _, ok := ops[m]; !ok {
			return nil, errors.New("rpc: no operation for method " + m)
		}
	}
	return &Server{escrow: e, ops: ops, logger: logger}, nil
}

func (s *Server) Handle(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	op, ok := s.ops[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}

	// CreateWallet reads order_id from its body. Every other method takes it
	// as the path parameter the HTTP API would.
	fields := in.AsMap()
	var orderID string
	if method != "CreateWallet" {
		orderID, _ = fields["order_id"].(string)
		if orderID == "" {
			return nil, status.Error(codes.InvalidArgument, "order_id is required")
		}
		delete(fields, "order_id")
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := op.Validate(body); err != nil {
		return nil, toStatus(err, nil)
	}

	res, err := op.Run(ctx, s.escrow, api.Call{
		OrderID:        orderID,
		Body:           body,
		IdempotencyKey: firstMD(ctx, idempotencyKeyMD),
		Peer:           peerIdentity(ctx),
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("rpc failed", "method", method, "cid", security.CorrelationIDFromContext(ctx), "error", err)
		}
		return nil, toStatus(err, res)
	}
	return toStruct(res)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode reply")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode reply")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode reply")
	}
	return out, nil
}

// CodeFor maps an error kind onto a gRPC status code.
func CodeFor(kind apperr.Kind) codes.Code {
	switch kind {
	case apperr.KindInvalidTransition, apperr.KindDisputeActive, apperr.KindInsufficientFunds:
		return codes.FailedPrecondition
	case apperr.KindNotFound:
		return codes.NotFound
	case apperr.KindInvariantViolation:
		return codes.DataLoss
	case apperr.KindValidation:
		return codes.InvalidArgument
	case apperr.KindAlreadyExists:
		return codes.AlreadyExists
	case apperr.KindIdempotencyConflict, apperr.KindDuplicate:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// toStatus converts err. A Struct detail carries the error kind, plus the
// report when verification failed.
func toStatus(err error, result any) error {
	kind := apperr.KindOf(err)
	st := status.New(CodeFor(kind), apperr.UserMessage(err))

	detail := map[string]interface{}{"error": string(kind)}
	if report, ok := result.(*escrow.VerifyReport); ok && report != nil {
		if rs, err := toStruct(report); err == nil {
			detail["report"] = rs.AsMap()
		}
	}
	ds, derr := structpb.NewStruct(detail)
	if derr != nil {
		return st.Err()
	}
	withDetail, derr := st.WithDetails(ds)
	if derr != nil {
		return st.Err()
	}
	return withDetail.Err()
}

func firstMD(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerIdentity(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return ""
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return ""
	}
	return security.PeerIdentity(&info.State)
}

// ReadOnlyMethods are the full method names that change nothing.
func ReadOnlyMethods() map[string]bool {
	out := make(map[string]bool)
	for _, m := range []string{"GetWallet", "ListTransactions", "GetDispute"} {
		out[escrowpb.FullMethod(m)] = true
	}
	return out
}
