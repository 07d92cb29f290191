package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func newGRPCClient(t *testing.T, f *fixture) *StockLedgerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterStockLedgerServer(srv, NewGRPCHandler(f.svc, zaptest.NewLogger(t)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStockLedgerClient(conn)
}

func withActor(t *testing.T, actorID string, kv ...string) context.Context {
	return metadata.AppendToOutgoingContext(t.Context(), append([]string{MetadataActorID, actorID}, kv...)...)
}

func TestGRPC_CreateOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.SetBranchStock(5, 1, 10)
	client := newGRPCClient(t, f)

	req := &CreateOrderPayload{CustomerID: "cust-1", BranchID: 5, Items: []domain.MovementLine{{ProductID: 1, Quantity: 7}}}
	order, err := client.CreateOrder(withActor(t, "clerk-1", MetadataIdempotencyKey, "rpc-1"), req)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.ID == "" || order.CreatedBy != "clerk-1" || order.TotalAmount.String() != "17.5" {
		t.Errorf("unexpected order %+v", order)
	}

	_, err = client.CreateOrder(withActor(t, "clerk-1", MetadataIdempotencyKey, "rpc-1"), req)
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("expected AlreadyExists, got %v", err)
	}

	req.Items[0].Quantity = 5
	_, err = client.CreateOrder(withActor(t, "clerk-1"), req)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
}

func TestGRPC_Movements(t *testing.T) {
	f := newFixture(t, time.Second)
	client := newGRPCClient(t, f)

	m, err := client.ApplyInbound(withActor(t, "clerk-1"), &InboundPayload{ProductID: 1, BranchID: 2, Quantity: 300})
	if err != nil {
		t.Fatalf("ApplyInbound failed: %v", err)
	}
	if m.Quantity != 300 || m.BranchID != 2 {
		t.Errorf("unexpected movement %+v", m)
	}

	batch, err := client.ApplyBatch(withActor(t, "clerk-1"), &BatchInboundPayload{
		BranchID: 2,
		Items:    []domain.MovementLine{{ProductID: 1, Quantity: 100}, {ProductID: 2, Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if len(batch.Movements) != 2 || batch.BatchID == "" {
		t.Errorf("unexpected batch %+v", batch)
	}
	if qty, _ := f.store.CentralStock(context.Background(), 1); qty != 600 {
		t.Errorf("expected central 600, got %d", qty)
	}

	rec, err := client.RecordFulfillment(withActor(t, "clerk-1"), &FulfillmentPayload{
		OrderNumber: "INV-9", ProductID: 1, BranchID: 2, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("RecordFulfillment failed: %v", err)
	}
	if rec.OrderNumber != "INV-9" {
		t.Errorf("unexpected record %+v", rec)
	}
	if qty, _ := f.store.BranchStock(context.Background(), 2, 1); qty != 400 {
		t.Errorf("expected branch 400, got %d", qty)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	f := newFixture(t, time.Second)
	client := newGRPCClient(t, f)

	_, err := client.ApplyInbound(withActor(t, ""), &InboundPayload{ProductID: 1, BranchID: 2, Quantity: 1})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("missing actor: expected InvalidArgument, got %v", err)
	}

	_, err = client.ApplyInbound(withActor(t, "clerk-1"), &InboundPayload{ProductID: 1, BranchID: 2, Quantity: 5000})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("overdraw: expected FailedPrecondition, got %v", err)
	}

	locked := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	tx, err := locked.store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.LockCentral(ctx, 2); err != nil {
		t.Fatalf("LockCentral failed: %v", err)
	}

	_, err = newGRPCClient(t, locked).ApplyInbound(withActor(t, "clerk-1"), &InboundPayload{ProductID: 2, BranchID: 2, Quantity: 1})
	if status.Code(err) != codes.Aborted {
		t.Errorf("lock timeout: expected Aborted, got %v", err)
	}
}
