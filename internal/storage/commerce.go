package storage

import (
	"context"
	"fmt"
	"time"
)

// OrderStatus tracks the lifecycle of a settled purchase.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusRefunded  OrderStatus = "refunded"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderItem is a single line item on an Order, denominated in atomic units
// of Asset (mirrors the money.Money wire convention used throughout storage).
type OrderItem struct {
	ProductID  string
	VariantID  string
	Quantity   int
	UnitAmount int64
	Asset      string
}

// Order is the durable record of a completed or in-flight purchase.
type Order struct {
	ID               string
	TenantID         string
	CustomerID       string // wallet address, Stripe customer id, or credits user id
	Items            []OrderItem
	TotalAmount      int64
	Asset            string
	Status           OrderStatus
	PaymentSignature string // rail-specific settlement reference (tx signature, charge id, hold id)
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InventoryPolicy controls what happens when a reservation or adjustment
// would take on-hand quantity below zero.
type InventoryPolicy string

const (
	// InventoryPolicyDeny refuses the adjustment once stock is exhausted.
	InventoryPolicyDeny InventoryPolicy = "deny"
	// InventoryPolicyContinue allows stock to go negative (backorder/oversell).
	InventoryPolicyContinue InventoryPolicy = "continue"
)

// InventoryAdjustment is a single product/variant stock delta applied as
// part of an atomic multi-item operation. Delta is negative for decrements
// (sale, reservation conversion) and positive for restocks (refund, cancel).
type InventoryAdjustment struct {
	ProductID string
	VariantID string
	Delta     int
	Policy    InventoryPolicy
}

// InventoryReservation holds stock against a cart while checkout is in
// flight. Reservations either convert into a permanent decrement (on
// payment) or expire and release their hold (on cart abandonment).
type InventoryReservation struct {
	ID         string
	TenantID   string
	CartID     string
	ProductID  string
	VariantID  string
	Quantity   int
	ExpiresAt  time.Time
	Converted  bool
	CreatedAt  time.Time
}

// GiftCard is a stored-value instrument redeemable against future orders.
type GiftCard struct {
	ID              string
	TenantID        string
	Code            string
	InitialAmount   int64
	RemainingAmount int64
	Asset           string
	IssuedToWallet  string
	Active          bool
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// DisputeStatus tracks a card-network chargeback through its lifecycle.
type DisputeStatus string

const (
	DisputeStatusNeedsResponse DisputeStatus = "needs_response"
	DisputeStatusUnderReview   DisputeStatus = "under_review"
	DisputeStatusWon           DisputeStatus = "won"
	DisputeStatusLost          DisputeStatus = "lost"
)

// Dispute mirrors a Stripe (or other card processor) chargeback event.
type Dispute struct {
	ID               string
	TenantID         string
	PaymentSignature string
	OrderID          string
	Reason           string
	Amount           int64
	Asset            string
	Status           DisputeStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreditsHoldStatus tracks an internal-ledger authorization through its
// hold -> capture|release lifecycle (mirrors a card auth/capture/void flow).
type CreditsHoldStatus string

const (
	CreditsHoldStatusHeld     CreditsHoldStatus = "held"
	CreditsHoldStatusCaptured CreditsHoldStatus = "captured"
	CreditsHoldStatusReleased CreditsHoldStatus = "released"
)

// CreditsHold is a provisional debit against a user's internal credits
// balance. Holds are created idempotently on IdempotencyKey so a retried
// authorize request never double-spends a user's balance.
type CreditsHold struct {
	ID             string
	TenantID       string
	UserID         string
	ResourceID     string
	Amount         int64
	IdempotencyKey string
	Status         CreditsHoldStatus
	CreatedAt      time.Time
	CapturedAt     *time.Time
	ReleasedAt     *time.Time
}

// ErrCreditsHoldExists is returned by CreateCreditsHold when a hold with
// the same idempotency key already exists; the existing hold is returned
// alongside the error so callers can treat the retry as a no-op.
var ErrCreditsHoldExists = fmt.Errorf("storage: credits hold already exists for idempotency key")

// ErrInventoryExhausted is returned when an InventoryPolicyDeny adjustment
// would take on-hand quantity below zero.
var ErrInventoryExhausted = fmt.Errorf("storage: inventory exhausted")

// CommerceStore captures the order/inventory/gift-card/dispute/credits-hold
// persistence surface that sits alongside the payment-rail Store above.
// Backed today by MemoryStore and PostgresStore; MongoDB/file backends are
// not yet wired (see DESIGN.md).
type CommerceStore interface {
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrdersByCustomer(ctx context.Context, tenantID, customerID string, limit int) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error
	CountCompletedOrders(ctx context.Context, tenantID, customerID string) (int, error)

	ReserveInventory(ctx context.Context, reservation InventoryReservation) error
	ConvertReservationsToInventory(ctx context.Context, tenantID, cartID string) error
	ReleaseExpiredReservations(ctx context.Context, olderThan time.Time) (int64, error)
	AdjustInventoryAtomic(ctx context.Context, tenantID string, adj InventoryAdjustment) (int, error)

	// RecordPaymentAndOrderAndInventory atomically records a verified
	// payment, the Order it settles, and the resulting inventory
	// decrements. All three succeed or none do.
	RecordPaymentAndOrderAndInventory(ctx context.Context, tx PaymentTransaction, order Order, adjustments []InventoryAdjustment) error

	// ProcessRefundAndRestoreInventory atomically marks a refund quote
	// processed, flips the order to refunded, and restocks the given
	// inventory adjustments (positive deltas).
	ProcessRefundAndRestoreInventory(ctx context.Context, refundID, processedBy, signature, orderID string, restock []InventoryAdjustment) error

	CreateGiftCardWithBalance(ctx context.Context, card GiftCard) error
	GetGiftCard(ctx context.Context, tenantID, code string) (GiftCard, error)
	RedeemGiftCard(ctx context.Context, tenantID, code string, amount int64) (int64, error)

	RecordDispute(ctx context.Context, dispute Dispute) error
	GetDispute(ctx context.Context, disputeID string) (Dispute, error)
	ListOpenDisputes(ctx context.Context, tenantID string) ([]Dispute, error)
	UpdateDisputeStatus(ctx context.Context, disputeID string, status DisputeStatus) error

	CreateCreditsHold(ctx context.Context, hold CreditsHold) (CreditsHold, error)
	GetCreditsHold(ctx context.Context, holdID string) (CreditsHold, error)
	CaptureCreditsHold(ctx context.Context, holdID string) error
	ReleaseCreditsHold(ctx context.Context, holdID string) error
}

func inventoryKey(tenantID, productID, variantID string) string {
	return tenantID + "/" + productID + "/" + variantID
}

// --- MemoryStore implementation -------------------------------------------------

// CreateOrder stores a new order.
func (m *MemoryStore) CreateOrder(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = order
	return nil
}

// GetOrder retrieves an order by id.
func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order, nil
}

// ListOrdersByCustomer returns a customer's orders for a tenant, most recent first.
func (m *MemoryStore) ListOrdersByCustomer(_ context.Context, tenantID, customerID string, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Order
	for _, order := range m.orders {
		if order.TenantID == tenantID && order.CustomerID == customerID {
			matches = append(matches, order)
		}
	}
	sortOrdersByCreatedAtDesc(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func sortOrdersByCreatedAtDesc(orders []Order) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].CreatedAt.After(orders[j-1].CreatedAt); j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

// UpdateOrderStatus transitions an order's status.
func (m *MemoryStore) UpdateOrderStatus(_ context.Context, orderID string, status OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	order.UpdatedAt = time.Now()
	m.orders[orderID] = order
	return nil
}

// CountCompletedOrders counts a customer's paid/fulfilled orders. Used by
// the paywall's first-purchase-only coupon check.
func (m *MemoryStore) CountCompletedOrders(_ context.Context, tenantID, customerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, order := range m.orders {
		if order.TenantID != tenantID || order.CustomerID != customerID {
			continue
		}
		if order.Status == OrderStatusPaid || order.Status == OrderStatusFulfilled {
			count++
		}
	}
	return count, nil
}

// ReserveInventory records a reservation without yet decrementing on-hand stock.
func (m *MemoryStore) ReserveInventory(_ context.Context, reservation InventoryReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now()
	}
	m.reservations[reservation.ID] = reservation
	return nil
}

// ConvertReservationsToInventory converts all unconverted reservations for
// a cart into permanent inventory decrements, atomically with respect to
// the in-memory map lock.
func (m *MemoryStore) ConvertReservationsToInventory(_ context.Context, tenantID, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, reservation := range m.reservations {
		if reservation.TenantID != tenantID || reservation.CartID != cartID || reservation.Converted {
			continue
		}
		key := inventoryKey(tenantID, reservation.ProductID, reservation.VariantID)
		m.inventory[key] -= reservation.Quantity
		reservation.Converted = true
		m.reservations[id] = reservation
	}
	return nil
}

// ReleaseExpiredReservations deletes unconverted reservations past their expiry.
func (m *MemoryStore) ReleaseExpiredReservations(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, reservation := range m.reservations {
		if !reservation.Converted && reservation.ExpiresAt.Before(olderThan) {
			delete(m.reservations, id)
			count++
		}
	}
	return count, nil
}

// AdjustInventoryAtomic applies a single stock delta and returns the
// resulting quantity, honoring the adjustment's policy.
func (m *MemoryStore) AdjustInventoryAtomic(_ context.Context, tenantID string, adj InventoryAdjustment) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustInventoryLocked(tenantID, adj)
}

// adjustInventoryLocked applies adj assuming m.mu is already held.
func (m *MemoryStore) adjustInventoryLocked(tenantID string, adj InventoryAdjustment) (int, error) {
	key := inventoryKey(tenantID, adj.ProductID, adj.VariantID)
	next := m.inventory[key] + adj.Delta
	if next < 0 && adj.Policy != InventoryPolicyContinue {
		return m.inventory[key], ErrInventoryExhausted
	}
	m.inventory[key] = next
	return next, nil
}

// RecordPaymentAndOrderAndInventory performs the payment+order+inventory
// write as a single critical section so a concurrent reader never observes
// a payment recorded without its order, or an order without its stock
// decrements applied.
func (m *MemoryStore) RecordPaymentAndOrderAndInventory(_ context.Context, tx PaymentTransaction, order Order, adjustments []InventoryAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.paymentTransactions[tx.Signature]; exists {
		isPlaceholder := existing.Wallet == "" || (existing.Metadata != nil && existing.Metadata["status"] == "verifying")
		if !isPlaceholder {
			return fmt.Errorf("signature already used: replay attack detected")
		}
	}

	for _, adj := range adjustments {
		if _, err := m.adjustInventoryLocked(order.TenantID, adj); err != nil {
			return fmt.Errorf("record payment and order: %w", err)
		}
	}

	m.paymentTransactions[tx.Signature] = tx
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = order
	return nil
}

// ProcessRefundAndRestoreInventory atomically marks a refund processed,
// flips the order to refunded, and restocks inventory.
func (m *MemoryStore) ProcessRefundAndRestoreInventory(_ context.Context, refundID, processedBy, signature, orderID string, restock []InventoryAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.refundQuotes[refundID]
	if !ok {
		return ErrNotFound
	}
	order, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}

	for _, adj := range restock {
		// Restocks always succeed: a refund can only increase stock.
		adj.Policy = InventoryPolicyContinue
		_, _ = m.adjustInventoryLocked(order.TenantID, adj)
	}

	now := time.Now()
	quote.ProcessedBy = processedBy
	quote.ProcessedAt = &now
	quote.Signature = signature
	m.refundQuotes[refundID] = quote

	order.Status = OrderStatusRefunded
	order.UpdatedAt = now
	m.orders[orderID] = order
	return nil
}

// CreateGiftCardWithBalance creates a gift card with its initial balance
// set as the remaining balance.
func (m *MemoryStore) CreateGiftCardWithBalance(_ context.Context, card GiftCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if card.RemainingAmount == 0 {
		card.RemainingAmount = card.InitialAmount
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	m.giftCards[card.TenantID+"/"+card.Code] = card
	return nil
}

// GetGiftCard retrieves a gift card by tenant and code.
func (m *MemoryStore) GetGiftCard(_ context.Context, tenantID, code string) (GiftCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.giftCards[tenantID+"/"+code]
	if !ok {
		return GiftCard{}, ErrNotFound
	}
	return card, nil
}

// RedeemGiftCard atomically debits amount from a gift card's remaining
// balance, refusing to go negative, and returns the balance left.
func (m *MemoryStore) RedeemGiftCard(_ context.Context, tenantID, code string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + code
	card, ok := m.giftCards[key]
	if !ok {
		return 0, ErrNotFound
	}
	if !card.Active || card.RemainingAmount < amount {
		return card.RemainingAmount, fmt.Errorf("storage: insufficient gift card balance")
	}
	card.RemainingAmount -= amount
	m.giftCards[key] = card
	return card.RemainingAmount, nil
}

// RecordDispute stores a new dispute record.
func (m *MemoryStore) RecordDispute(_ context.Context, dispute Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dispute.CreatedAt.IsZero() {
		dispute.CreatedAt = time.Now()
	}
	dispute.UpdatedAt = dispute.CreatedAt
	m.disputes[dispute.ID] = dispute
	return nil
}

// GetDispute retrieves a dispute by id.
func (m *MemoryStore) GetDispute(_ context.Context, disputeID string) (Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dispute, ok := m.disputes[disputeID]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return dispute, nil
}

// ListOpenDisputes lists disputes not yet resolved (won/lost) for a tenant.
func (m *MemoryStore) ListOpenDisputes(_ context.Context, tenantID string) ([]Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []Dispute
	for _, dispute := range m.disputes {
		if dispute.TenantID != tenantID {
			continue
		}
		if dispute.Status == DisputeStatusNeedsResponse || dispute.Status == DisputeStatusUnderReview {
			open = append(open, dispute)
		}
	}
	return open, nil
}

// UpdateDisputeStatus transitions a dispute's status.
func (m *MemoryStore) UpdateDisputeStatus(_ context.Context, disputeID string, status DisputeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dispute, ok := m.disputes[disputeID]
	if !ok {
		return ErrNotFound
	}
	dispute.Status = status
	dispute.UpdatedAt = time.Now()
	m.disputes[disputeID] = dispute
	return nil
}

// CreateCreditsHold creates a hold idempotently: a retried request with the
// same (tenant, idempotency key) returns the existing hold instead of
// double-spending the user's balance.
func (m *MemoryStore) CreateCreditsHold(_ context.Context, hold CreditsHold) (CreditsHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idemKey := hold.TenantID + "/" + hold.IdempotencyKey
	if existingID, exists := m.creditsHoldsByIdem[idemKey]; exists {
		return m.creditsHolds[existingID], ErrCreditsHoldExists
	}

	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now()
	}
	if hold.Status == "" {
		hold.Status = CreditsHoldStatusHeld
	}
	m.creditsHolds[hold.ID] = hold
	m.creditsHoldsByIdem[idemKey] = hold.ID
	return hold, nil
}

// GetCreditsHold retrieves a hold by id.
func (m *MemoryStore) GetCreditsHold(_ context.Context, holdID string) (CreditsHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hold, ok := m.creditsHolds[holdID]
	if !ok {
		return CreditsHold{}, ErrNotFound
	}
	return hold, nil
}

// CaptureCreditsHold finalizes a held debit. Capturing an already-captured
// or released hold is rejected to prevent double-capture.
func (m *MemoryStore) CaptureCreditsHold(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.creditsHolds[holdID]
	if !ok {
		return ErrNotFound
	}
	if hold.Status != CreditsHoldStatusHeld {
		return fmt.Errorf("storage: hold %s already %s", holdID, hold.Status)
	}
	now := time.Now()
	hold.Status = CreditsHoldStatusCaptured
	hold.CapturedAt = &now
	m.creditsHolds[holdID] = hold
	return nil
}

// ReleaseCreditsHold voids a held debit, returning the funds to the user's
// available balance. Releasing an already-processed hold is rejected.
func (m *MemoryStore) ReleaseCreditsHold(_ context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.creditsHolds[holdID]
	if !ok {
		return ErrNotFound
	}
	if hold.Status != CreditsHoldStatusHeld {
		return fmt.Errorf("storage: hold %s already %s", holdID, hold.Status)
	}
	now := time.Now()
	hold.Status = CreditsHoldStatusReleased
	hold.ReleasedAt = &now
	m.creditsHolds[holdID] = hold
	return nil
}
