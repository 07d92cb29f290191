package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

// Payloads and responses are shared by the HTTP and gRPC transports.

type CreateOrderPayload struct {
	// RequestID is used when the Idempotency-Key header is absent.
	RequestID  string                `json:"request_id"`
	CustomerID string                `json:"customer_id"`
	BranchID   int64                 `json:"branch_id"`
	Items      []domain.MovementLine `json:"items"`
}

type InboundPayload struct {
	ProductID int64  `json:"product_id"`
	BranchID  int64  `json:"branch_id"`
	Quantity  int64  `json:"quantity"`
	Date      string `json:"date"`
}

type BatchInboundPayload struct {
	BranchID int64                 `json:"branch_id"`
	Date     string                `json:"date"`
	Items    []domain.MovementLine `json:"items"`
}

type FulfillmentPayload struct {
	OrderNumber string  `json:"order_number"`
	OrderID     *string `json:"order_id"`
	ProductID   int64   `json:"product_id"`
	BranchID    int64   `json:"branch_id"`
	Quantity    int64   `json:"quantity"`
	InvoiceDate string  `json:"invoice_date"`
}

type OrderItemResponse struct {
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type OrderResponse struct {
	ID          string              `json:"id"`
	CustomerID  string              `json:"customer_id"`
	BranchID    int64               `json:"branch_id"`
	Status      domain.OrderStatus  `json:"status"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
	Items       []OrderItemResponse `json:"items"`
	CreatedBy   string              `json:"created_by"`
	CreatedAt   time.Time           `json:"created_at"`
}

type MovementResponse struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id,omitempty"`
	ProductID int64  `json:"product_id"`
	BranchID  int64  `json:"branch_id"`
	Quantity  int64  `json:"quantity"`
	Date      string `json:"date"`
}

type BatchResponse struct {
	BatchID   string             `json:"batch_id"`
	Movements []MovementResponse `json:"movements"`
}

type FulfillmentResponse struct {
	ID          string  `json:"id"`
	OrderNumber string  `json:"order_number"`
	OrderID     *string `json:"order_id,omitempty"`
	ProductID   int64   `json:"product_id"`
	BranchID    int64   `json:"branch_id"`
	Quantity    int64   `json:"quantity"`
	InvoiceDate string  `json:"invoice_date"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

func (p CreateOrderPayload) request(actorID, idempotencyKey string) service.CreateOrderRequest {
	requestID := idempotencyKey
	if requestID == "" {
		requestID = p.RequestID
	}
	return service.CreateOrderRequest{
		RequestID:  requestID,
		ActorID:    actorID,
		CustomerID: p.CustomerID,
		BranchID:   p.BranchID,
		Items:      p.Items,
	}
}

func (p InboundPayload) request(actorID string) (service.InboundRequest, error) {
	date, err := parseDate("date", p.Date)
	if err != nil {
		return service.InboundRequest{}, err
	}
	return service.InboundRequest{
		ActorID:   actorID,
		ProductID: p.ProductID,
		BranchID:  p.BranchID,
		Quantity:  p.Quantity,
		Date:      date,
	}, nil
}

func (p BatchInboundPayload) request(actorID string) (service.BatchInboundRequest, error) {
	date, err := parseDate("date", p.Date)
	if err != nil {
		return service.BatchInboundRequest{}, err
	}
	return service.BatchInboundRequest{
		ActorID:  actorID,
		BranchID: p.BranchID,
		Date:     date,
		Items:    p.Items,
	}, nil
}

func (p FulfillmentPayload) request(actorID string) (service.FulfillmentRequest, error) {
	invoiceDate, err := parseDate("invoice_date", p.InvoiceDate)
	if err != nil {
		return service.FulfillmentRequest{}, err
	}
	return service.FulfillmentRequest{
		ActorID:     actorID,
		OrderNumber: p.OrderNumber,
		OrderID:     p.OrderID,
		ProductID:   p.ProductID,
		BranchID:    p.BranchID,
		Quantity:    p.Quantity,
		InvoiceDate: invoiceDate,
	}, nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be a YYYY-MM-DD date")
	}
	return t, nil
}

func toOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		BranchID:    o.BranchID,
		Status:      o.Status,
		TotalAmount: o.TotalAmount,
		Items:       make([]OrderItemResponse, 0, len(o.Items)),
		CreatedBy:   o.CreatedBy,
		CreatedAt:   o.CreatedAt,
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, OrderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal(),
		})
	}
	return resp
}

func toMovementResponse(m domain.InboundMovement) MovementResponse {
	return MovementResponse{
		ID:        m.ID,
		BatchID:   m.BatchID,
		ProductID: m.ProductID,
		BranchID:  m.BranchID,
		Quantity:  m.Quantity,
		Date:      m.Date.Format(dateLayout),
	}
}

func toBatchResponse(movements []domain.InboundMovement) BatchResponse {
	resp := BatchResponse{Movements: make([]MovementResponse, 0, len(movements))}
	for _, m := range movements {
		resp.BatchID = m.BatchID
		resp.Movements = append(resp.Movements, toMovementResponse(m))
	}
	return resp
}

func toFulfillmentResponse(rec *domain.FulfillmentRecord) FulfillmentResponse {
	return FulfillmentResponse{
		ID:          rec.ID,
		OrderNumber: rec.OrderNumber,
		OrderID:     rec.OrderID,
		ProductID:   rec.ProductID,
		BranchID:    rec.BranchID,
		Quantity:    rec.Quantity,
		InvoiceDate: rec.InvoiceDate.Format(dateLayout),
	}
}
