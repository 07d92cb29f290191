package handler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	GRPCServiceName = "ledger.v1.StockLedger"

	// Metadata keys carrying the same values as the HTTP headers.
	MetadataActorID        = "x-actor-id"
	MetadataIdempotencyKey = "idempotency-key"
)

// jsonCodec lets the ledger service run over gRPC without generated protobuf
// code. Clients select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type StockLedgerServer interface {
	CreateOrder(ctx context.Context, req *CreateOrderPayload) (*OrderResponse, error)
	ApplyInbound(ctx context.Context, req *InboundPayload) (*MovementResponse, error)
	ApplyBatch(ctx context.Context, req *BatchInboundPayload) (*BatchResponse, error)
	RecordFulfillment(ctx context.Context, req *FulfillmentPayload) (*FulfillmentResponse, error)
}

var StockLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*StockLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler("CreateOrder", StockLedgerServer.CreateOrder)},
		{MethodName: "ApplyInbound", Handler: unaryHandler("ApplyInbound", StockLedgerServer.ApplyInbound)},
		{MethodName: "ApplyBatch", Handler: unaryHandler("ApplyBatch", StockLedgerServer.ApplyBatch)},
		{MethodName: "RecordFulfillment", Handler: unaryHandler("RecordFulfillment", StockLedgerServer.RecordFulfillment)},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterStockLedgerServer(s grpc.ServiceRegistrar, srv StockLedgerServer) {
	s.RegisterService(&StockLedgerServiceDesc, srv)
}

func unaryHandler[Req, Resp any](method string, call func(StockLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + GRPCServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StockLedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(StockLedgerServer), ctx, req.(*Req))
		})
	}
}

type GRPCHandler struct {
	svc    Services
	logger *zap.Logger
}

func NewGRPCHandler(svc Services, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{svc: svc, logger: logger}
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderPayload) (*OrderResponse, error) {
	in := req.request(incoming(ctx, MetadataActorID), incoming(ctx, MetadataIdempotencyKey))
	order, err := h.svc.Orders.CreateOrder(ctx, in)
	if err != nil {
		return nil, h.toStatus("CreateOrder", err)
	}
	resp := toOrderResponse(order)
	return &resp, nil
}

func (h *GRPCHandler) ApplyInbound(ctx context.Context, req *InboundPayload) (*MovementResponse, error) {
	in, err := req.request(incoming(ctx, MetadataActorID))
	if err != nil {
		return nil, h.toStatus("ApplyInbound", err)
	}
	m, err := h.svc.Movements.ApplyInbound(ctx, in)
	if err != nil {
		return nil, h.toStatus("ApplyInbound", err)
	}
	resp := toMovementResponse(*m)
	return &resp, nil
}

func (h *GRPCHandler) ApplyBatch(ctx context.Context, req *BatchInboundPayload) (*BatchResponse, error) {
	in, err := req.request(incoming(ctx, MetadataActorID))
	if err != nil {
		return nil, h.toStatus("ApplyBatch", err)
	}
	movements, err := h.svc.Movements.ApplyBatch(ctx, in)
	if err != nil {
		return nil, h.toStatus("ApplyBatch", err)
	}
	resp := toBatchResponse(movements)
	return &resp, nil
}

func (h *GRPCHandler) RecordFulfillment(ctx context.Context, req *FulfillmentPayload) (*FulfillmentResponse, error) {
	in, err := req.request(incoming(ctx, MetadataActorID))
	if err != nil {
		return nil, h.toStatus("RecordFulfillment", err)
	}
	rec, err := h.svc.Fulfillments.RecordFulfillment(ctx, in)
	if err != nil {
		return nil, h.toStatus("RecordFulfillment", err)
	}
	resp := toFulfillmentResponse(rec)
	return &resp, nil
}

func (h *GRPCHandler) toStatus(method string, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	h.logger.Error("rpc failed", zap.String("method", method), zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func incoming(ctx context.Context, key string) string {
	if values := metadata.ValueFromIncomingContext(ctx, key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// StockLedgerClient calls the ledger service with the JSON codec.
type StockLedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewStockLedgerClient(cc grpc.ClientConnInterface) *StockLedgerClient {
	return &StockLedgerClient{cc: cc}
}

func (c *StockLedgerClient) CreateOrder(ctx context.Context, in *CreateOrderPayload, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "CreateOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) ApplyInbound(ctx context.Context, in *InboundPayload, opts ...grpc.CallOption) (*MovementResponse, error) {
	out := new(MovementResponse)
	if err := c.invoke(ctx, "ApplyInbound", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) ApplyBatch(ctx context.Context, in *BatchInboundPayload, opts ...grpc.CallOption) (*BatchResponse, error) {
	out := new(BatchResponse)
	if err := c.invoke(ctx, "ApplyBatch", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) RecordFulfillment(ctx context.Context, in *FulfillmentPayload, opts ...grpc.CallOption) (*FulfillmentResponse, error) {
	out := new(FulfillmentResponse)
	if err := c.invoke(ctx, "RecordFulfillment", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodec{}.Name())}, opts...)
	return c.cc.Invoke(ctx, "/"+GRPCServiceName+"/"+method, in, out, opts...)
}
