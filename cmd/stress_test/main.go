package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const (
	productID     = 1
	branchID      = 7
	initialStock  = 1000
	branchStock   = 20
	totalRequests = 50
	inboundCalls  = 200
	lockTimeout   = 5 * time.Second
)

func main() {
	ctx := context.Background()

	store := storage.NewMemoryStore(lockTimeout)
	if err := store.SeedProduct(ctx, domain.Product{
		ID:           productID,
		SKU:          "stress-item",
		UnitPrice:    decimal.RequireFromString("9.99"),
		CentralStock: initialStock,
	}); err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	deps := service.Dependencies{Store: store, Catalog: store}
	movements := service.NewMovementService(deps)
	orders := service.NewOrderService(deps, nil)
	queries := service.NewQueryService(deps)

	// Stock the branch with exactly branchStock units
	if _, err := movements.ApplyInbound(ctx, service.InboundRequest{
		ActorID: "stress", ProductID: productID, BranchID: branchID, Quantity: branchStock,
	}); err != nil {
		log.Fatalf("failed to stock branch: %v", err)
	}

	failed := false

	// Order storm: single-unit orders against one branch row
	var successCount, rejectCount, otherCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(customer int) {
			defer wg.Done()

			_, err := orders.CreateOrder(ctx, service.CreateOrderRequest{
				ActorID:    "stress",
				CustomerID: fmt.Sprintf("customer-%d", customer),
				BranchID:   branchID,
				Items:      []domain.MovementLine{{ProductID: productID, Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(i)
	}
	wg.Wait()
	orderElapsed := time.Since(start)

	// Inbound storm: many small transfers from central to the same branch
	var inboundOK, inboundRejected atomic.Int32
	start = time.Now()
	perCall := int64((initialStock - branchStock) / (inboundCalls / 2))

	for i := 0; i < inboundCalls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := movements.ApplyInbound(ctx, service.InboundRequest{
				ActorID: "stress", ProductID: productID, BranchID: branchID, Quantity: perCall,
			})
			if err == nil {
				inboundOK.Add(1)
			} else {
				inboundRejected.Add(1)
			}
		}()
	}
	wg.Wait()
	inboundElapsed := time.Since(start)

	central, err := queries.CentralStock(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read central stock: %v", err)
	}
	branch, err := queries.BranchStock(ctx, branchID, productID)
	if err != nil {
		log.Fatalf("failed to read branch stock: %v", err)
	}

	// Results
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Branch Stock:       %d\n", branchStock)
	fmt.Printf("Order Requests:     %d\n", totalRequests)
	fmt.Printf("Orders Placed:      %d\n", successCount.Load())
	fmt.Printf("Orders Rejected:    %d\n", rejectCount.Load())
	fmt.Printf("Order Errors:       %d\n", otherCount.Load())
	fmt.Printf("Order Duration:     %v\n", orderElapsed)
	fmt.Printf("Inbound Calls:      %d x %d\n", inboundCalls, perCall)
	fmt.Printf("Inbound Applied:    %d\n", inboundOK.Load())
	fmt.Printf("Inbound Rejected:   %d\n", inboundRejected.Load())
	fmt.Printf("Inbound Duration:   %v\n", inboundElapsed)
	fmt.Printf("Final Central:      %d\n", central.Quantity)
	fmt.Printf("Final Branch:       %d\n", branch.Quantity)
	fmt.Println("==========================================")

	// Assertions
	if successCount.Load() == branchStock && rejectCount.Load() == totalRequests-branchStock {
		fmt.Printf("PASS: Exactly %d orders succeeded, %d rejected\n", branchStock, totalRequests-branchStock)
	} else {
		fmt.Printf("FAIL: Expected %d placed/%d rejected, got %d/%d (%d errors)\n",
			branchStock, totalRequests-branchStock, successCount.Load(), rejectCount.Load(), otherCount.Load())
		failed = true
	}

	applied := int64(inboundOK.Load()) * perCall
	if central.Quantity == initialStock-branchStock-applied && central.Quantity >= 0 {
		fmt.Println("PASS: No lost updates on central stock")
	} else {
		fmt.Printf("FAIL: Central stock %d does not match %d applied transfers\n", central.Quantity, inboundOK.Load())
		failed = true
	}

	if store.TotalStock(productID) == initialStock-int64(successCount.Load()) {
		fmt.Println("PASS: Stock conserved across central and branches")
	} else {
		fmt.Printf("FAIL: Total stock %d, expected %d\n", store.TotalStock(productID), initialStock-int64(successCount.Load()))
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}
