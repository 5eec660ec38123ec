// Package service decorates the broker with the bookkeeping every order
// needs: request budgeting, persistence, audit, bus events and position
// snapshots.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

var _ domain.OrderGateway = (*OrderService)(nil)

// OrdersChannel is the bus channel order lifecycle events are published on.
const OrdersChannel = "orders"

// brokerBudgetKey is the rate-limit key shared by every broker call.
const brokerBudgetKey = "broker"

// OrderService wraps an OrderGateway. Every call first waits for the
// broker request budget; placements, cancels and status changes are
// recorded in the order store, the audit log and on the bus. Persistence
// failures are logged and never fail the broker call.
type OrderService struct {
	gateway domain.OrderGateway
	orders  domain.OrderStore
	limiter domain.RateLimiter
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
	now     func() time.Time
}

// OrderServiceDeps lists the collaborators. Only Gateway is required.
type OrderServiceDeps struct {
	Gateway domain.OrderGateway
	Orders  domain.OrderStore
	Limiter domain.RateLimiter
	Bus     domain.SignalBus
	Audit   domain.AuditStore
}

// NewOrderService creates an OrderService.
func NewOrderService(deps OrderServiceDeps, logger *slog.Logger) *OrderService {
	return &OrderService{
		gateway: deps.Gateway,
		orders:  deps.Orders,
		limiter: deps.Limiter,
		bus:     deps.Bus,
		audit:   deps.Audit,
		logger:  logger.With(slog.String("component", "order_service")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder submits req and records the new order.
func (s *OrderService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := s.budget(ctx); err != nil {
		return "", err
	}
	orderID, err := s.gateway.PlaceOrder(ctx, req)
	if err != nil {
		s.auditLog(ctx, "order_rejected", map[string]any{
			"execution_id": req.ExecutionID,
			"symbol":       req.Symbol,
			"side":         string(req.Side),
			"quantity":     req.Quantity,
			"price":        req.Price,
			"error":        err.Error(),
		})
		return "", err
	}

	now := s.now()
	if s.orders != nil {
		rec := domain.OrderRecord{
			OrderID:     orderID,
			ExecutionID: req.ExecutionID,
			Symbol:      req.Symbol,
			Side:        req.Side,
			Price:       req.Price,
			Quantity:    req.Quantity,
			Status:      domain.OrderStatusWorking,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.orders.Create(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "persist order failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, orderEvent{
		Event:       "order_placed",
		OrderID:     orderID,
		ExecutionID: req.ExecutionID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      domain.OrderStatusWorking,
		Time:        now,
	})
	s.auditLog(ctx, "order_placed", map[string]any{
		"order_id":     orderID,
		"execution_id": req.ExecutionID,
		"symbol":       req.Symbol,
		"side":         string(req.Side),
		"quantity":     req.Quantity,
		"price":        req.Price,
	})
	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", orderID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.Float64("price", req.Price),
	)
	return orderID, nil
}

// CancelOrder cancels orderID at the venue. An order that is already gone is
// reported to the caller unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.budget(ctx); err != nil {
		return err
	}
	err := s.gateway.CancelOrder(ctx, orderID)
	detail := map[string]any{"order_id": orderID}
	if err != nil {
		detail["error"] = err.Error()
		s.auditLog(ctx, "order_cancel_failed", detail)
		return err
	}

	if s.orders != nil {
		if uerr := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCanceled, 0); uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "persist cancel failed",
				slog.String("order_id", orderID),
				slog.String("error", uerr.Error()),
			)
		}
	}
	s.publish(ctx, orderEvent{Event: "order_cancelled", OrderID: orderID, Status: domain.OrderStatusCanceled, Time: s.now()})
	s.auditLog(ctx, "order_cancelled", detail)
	return nil
}

// GetOrderStatus queries the venue and records the reported status.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	if err := s.budget(ctx); err != nil {
		return domain.OrderStatusReport{}, err
	}
	rep, err := s.gateway.GetOrderStatus(ctx, orderID)
	if err != nil {
		return rep, err
	}
	if s.orders != nil {
		if uerr := s.orders.UpdateStatus(ctx, orderID, rep.Status, rep.FilledQuantity); uerr != nil && !errors.Is(uerr, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "persist order status failed",
				slog.String("order_id", orderID),
				slog.String("error", uerr.Error()),
			)
		}
	}
	if rep.Status.Terminal() {
		s.publish(ctx, orderEvent{
			Event:   "order_" + strings.ToLower(string(rep.Status)),
			OrderID: orderID,
			Status:  rep.Status,
			Filled:  rep.FilledQuantity,
			Time:    s.now(),
		})
	}
	return rep, nil
}

// ---- Internal helpers ----

type orderEvent struct {
	Event       string             `json:"event"`
	OrderID     string             `json:"order_id"`
	ExecutionID string             `json:"execution_id,omitempty"`
	Symbol      string             `json:"symbol,omitempty"`
	Side        domain.Side        `json:"side,omitempty"`
	Price       float64            `json:"price,omitempty"`
	Quantity    int64              `json:"quantity,omitempty"`
	Filled      int64              `json:"filled,omitempty"`
	Status      domain.OrderStatus `json:"status"`
	Time        time.Time          `json:"time"`
}

func (s *OrderService) budget(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx, brokerBudgetKey); err != nil {
		return fmt.Errorf("order_service: rate limiter: %w", err)
	}
	return nil
}

func (s *OrderService) publish(ctx context.Context, ev orderEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, OrdersChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish order event failed",
			slog.String("order_id", ev.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
