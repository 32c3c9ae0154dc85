package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// createCommerceTables creates the order/inventory/gift-card/dispute/credits
// tables. Called once from createPostgresTables alongside the payment-rail
// schema.
func (s *PostgresStore) createCommerceTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			customer_id TEXT NOT NULL,
			items JSONB NOT NULL,
			total_amount BIGINT NOT NULL,
			asset TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_signature TEXT,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_tenant_customer ON orders(tenant_id, customer_id);

		CREATE TABLE IF NOT EXISTS inventory_levels (
			tenant_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, product_id, variant_id)
		);

		CREATE TABLE IF NOT EXISTS inventory_reservations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			cart_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			converted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_cart ON inventory_reservations(tenant_id, cart_id) WHERE NOT converted;

		CREATE TABLE IF NOT EXISTS gift_cards (
			tenant_id TEXT NOT NULL,
			code TEXT NOT NULL,
			initial_amount BIGINT NOT NULL,
			remaining_amount BIGINT NOT NULL,
			asset TEXT NOT NULL,
			issued_to_wallet TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			PRIMARY KEY (tenant_id, code)
		);

		CREATE TABLE IF NOT EXISTS disputes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			payment_signature TEXT NOT NULL,
			order_id TEXT,
			reason TEXT,
			amount BIGINT NOT NULL,
			asset TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_disputes_tenant_status ON disputes(tenant_id, status);

		CREATE TABLE IF NOT EXISTS credits_holds (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			captured_at TIMESTAMP,
			released_at TIMESTAMP,
			UNIQUE (tenant_id, idempotency_key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func itemsToJSON(items []OrderItem) ([]byte, error) {
	return json.Marshal(items)
}

func itemsFromJSON(data []byte) ([]OrderItem, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []OrderItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// CreateOrder inserts a new order row.
func (s *PostgresStore) CreateOrder(ctx context.Context, order Order) error {
	itemsJSON, err := itemsToJSON(order.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}
	metaJSON, _ := json.Marshal(order.Metadata)
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, items, total_amount, asset, status, payment_signature, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		order.ID, order.TenantID, order.CustomerID, itemsJSON, order.TotalAmount, order.Asset,
		order.Status, order.PaymentSignature, metaJSON, order.CreatedAt, now)
	return err
}

func scanOrder(row interface {
	Scan(dest ...any) error
}) (Order, error) {
	var order Order
	var itemsJSON, metaJSON []byte
	var paymentSig sql.NullString
	err := row.Scan(&order.ID, &order.TenantID, &order.CustomerID, &itemsJSON, &order.TotalAmount,
		&order.Asset, &order.Status, &paymentSig, &metaJSON, &order.CreatedAt, &order.UpdatedAt)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	order.PaymentSignature = paymentSig.String
	order.Items, _ = itemsFromJSON(itemsJSON)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &order.Metadata)
	}
	return order, nil
}

// GetOrder retrieves an order by id.
func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, items, total_amount, asset, status, payment_signature, metadata, created_at, updated_at
		FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

// ListOrdersByCustomer returns a customer's most recent orders.
func (s *PostgresStore) ListOrdersByCustomer(ctx context.Context, tenantID, customerID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, customer_id, items, total_amount, asset, status, payment_signature, metadata, created_at, updated_at
		FROM orders WHERE tenant_id = $1 AND customer_id = $2 ORDER BY created_at DESC LIMIT $3`, tenantID, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// UpdateOrderStatus transitions an order's status.
func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountCompletedOrders counts a customer's paid/fulfilled orders.
func (s *PostgresStore) CountCompletedOrders(ctx context.Context, tenantID, customerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE tenant_id = $1 AND customer_id = $2 AND status IN ('paid', 'fulfilled')`,
		tenantID, customerID).Scan(&count)
	return count, err
}

// ReserveInventory records a reservation row.
func (s *PostgresStore) ReserveInventory(ctx context.Context, reservation InventoryReservation) error {
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_reservations (id, tenant_id, cart_id, product_id, variant_id, quantity, expires_at, converted, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8)`,
		reservation.ID, reservation.TenantID, reservation.CartID, reservation.ProductID, reservation.VariantID,
		reservation.Quantity, reservation.ExpiresAt, reservation.CreatedAt)
	return err
}

// ConvertReservationsToInventory converts a cart's unconverted reservations
// into permanent stock decrements inside a single transaction.
func (s *PostgresStore) ConvertReservationsToInventory(ctx context.Context, tenantID, cartID string) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, `
		SELECT id, product_id, variant_id, quantity FROM inventory_reservations
		WHERE tenant_id = $1 AND cart_id = $2 AND NOT converted FOR UPDATE`, tenantID, cartID)
	if err != nil {
		return err
	}
	type pending struct {
		id, productID, variantID string
		quantity                 int
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.productID, &p.variantID, &p.quantity); err != nil {
			rows.Close()
			return err
		}
		items = append(items, p)
	}
	rows.Close()

	for _, item := range items {
		if _, err := txn.ExecContext(ctx, `
			INSERT INTO inventory_levels (tenant_id, product_id, variant_id, quantity)
			VALUES ($1,$2,$3,-$4)
			ON CONFLICT (tenant_id, product_id, variant_id) DO UPDATE SET quantity = inventory_levels.quantity - $4`,
			tenantID, item.productID, item.variantID, item.quantity); err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, `UPDATE inventory_reservations SET converted = TRUE WHERE id = $1`, item.id); err != nil {
			return err
		}
	}
	return txn.Commit()
}

// ReleaseExpiredReservations deletes unconverted reservations past expiry.
func (s *PostgresStore) ReleaseExpiredReservations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory_reservations WHERE NOT converted AND expires_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AdjustInventoryAtomic applies a stock delta under a row lock, enforcing policy.
func (s *PostgresStore) AdjustInventoryAtomic(ctx context.Context, tenantID string, adj InventoryAdjustment) (int, error) {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	quantity, err := adjustInventoryTx(ctx, txn, tenantID, adj)
	if err != nil {
		return 0, err
	}
	return quantity, txn.Commit()
}

// adjustInventoryTx applies adj within an open transaction, row-locking the
// (tenant, product, variant) inventory row first.
func adjustInventoryTx(ctx context.Context, txn *sql.Tx, tenantID string, adj InventoryAdjustment) (int, error) {
	var current int
	err := txn.QueryRowContext(ctx, `
		SELECT quantity FROM inventory_levels WHERE tenant_id = $1 AND product_id = $2 AND variant_id = $3 FOR UPDATE`,
		tenantID, adj.ProductID, adj.VariantID).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return 0, err
	}

	next := current + adj.Delta
	if next < 0 && adj.Policy != InventoryPolicyContinue {
		return current, ErrInventoryExhausted
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO inventory_levels (tenant_id, product_id, variant_id, quantity)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, product_id, variant_id) DO UPDATE SET quantity = $4`,
		tenantID, adj.ProductID, adj.VariantID, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// RecordPaymentAndOrderAndInventory inserts the payment transaction, the
// order, and applies every inventory adjustment within one transaction.
func (s *PostgresStore) RecordPaymentAndOrderAndInventory(ctx context.Context, tx PaymentTransaction, order Order, adjustments []InventoryAdjustment) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var existingWallet sql.NullString
	err = txn.QueryRowContext(ctx, fmt.Sprintf(`SELECT wallet FROM %s WHERE signature = $1 FOR UPDATE`, s.paymentTransactionsTableName), tx.Signature).Scan(&existingWallet)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	isPlaceholder := err == sql.ErrNoRows || existingWallet.String == ""
	if !isPlaceholder {
		return fmt.Errorf("signature already used: replay attack detected")
	}

	metaJSON, _ := json.Marshal(tx.Metadata)
	if _, err := txn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (signature, resource_id, wallet, amount, asset, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (signature) DO UPDATE SET resource_id = $2, wallet = $3, amount = $4, asset = $5, metadata = $7`, s.paymentTransactionsTableName),
		tx.Signature, tx.ResourceID, tx.Wallet, tx.Amount.Atomic, tx.Amount.Asset.Code, tx.CreatedAt.UTC(), metaJSON); err != nil {
		return err
	}

	for _, adj := range adjustments {
		if _, err := adjustInventoryTx(ctx, txn, order.TenantID, adj); err != nil {
			return fmt.Errorf("record payment and order: %w", err)
		}
	}

	itemsJSON, err := itemsToJSON(order.Items)
	if err != nil {
		return err
	}
	orderMetaJSON, _ := json.Marshal(order.Metadata)
	now := time.Now()
	if _, err := txn.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, items, total_amount, asset, status, payment_signature, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		order.ID, order.TenantID, order.CustomerID, itemsJSON, order.TotalAmount, order.Asset,
		order.Status, order.PaymentSignature, orderMetaJSON, now); err != nil {
		return err
	}

	return txn.Commit()
}

// ProcessRefundAndRestoreInventory marks a refund processed, flips the
// order to refunded, and restocks inventory, all in one transaction.
func (s *PostgresStore) ProcessRefundAndRestoreInventory(ctx context.Context, refundID, processedBy, signature, orderID string, restock []InventoryAdjustment) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var tenantID string
	if err := txn.QueryRowContext(ctx, `SELECT tenant_id FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&tenantID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	for _, adj := range restock {
		adj.Policy = InventoryPolicyContinue
		if _, err := adjustInventoryTx(ctx, txn, tenantID, adj); err != nil {
			return err
		}
	}

	res, err := txn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET processed_by = $1, processed_at = $2, signature = $3 WHERE id = $4`, s.refundQuotesTableName),
		processedBy, time.Now(), signature, refundID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := txn.ExecContext(ctx, `UPDATE orders SET status = 'refunded', updated_at = $1 WHERE id = $2`, time.Now(), orderID); err != nil {
		return err
	}

	return txn.Commit()
}

// CreateGiftCardWithBalance inserts a gift card, defaulting its remaining
// balance to the initial amount.
func (s *PostgresStore) CreateGiftCardWithBalance(ctx context.Context, card GiftCard) error {
	if card.RemainingAmount == 0 {
		card.RemainingAmount = card.InitialAmount
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gift_cards (tenant_id, code, initial_amount, remaining_amount, asset, issued_to_wallet, active, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7,$8)`,
		card.TenantID, card.Code, card.InitialAmount, card.RemainingAmount, card.Asset, card.IssuedToWallet, card.CreatedAt, card.ExpiresAt)
	return err
}

// GetGiftCard retrieves a gift card by tenant and code.
func (s *PostgresStore) GetGiftCard(ctx context.Context, tenantID, code string) (GiftCard, error) {
	var card GiftCard
	var issuedTo sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, code, initial_amount, remaining_amount, asset, issued_to_wallet, active, created_at, expires_at
		FROM gift_cards WHERE tenant_id = $1 AND code = $2`, tenantID, code).
		Scan(&card.TenantID, &card.Code, &card.InitialAmount, &card.RemainingAmount, &card.Asset, &issuedTo, &card.Active, &card.CreatedAt, &card.ExpiresAt)
	if err == sql.ErrNoRows {
		return GiftCard{}, ErrNotFound
	}
	if err != nil {
		return GiftCard{}, err
	}
	card.IssuedToWallet = issuedTo.String
	return card, nil
}

// RedeemGiftCard atomically debits a gift card's balance under a row lock.
func (s *PostgresStore) RedeemGiftCard(ctx context.Context, tenantID, code string, amount int64) (int64, error) {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	var remaining int64
	var active bool
	err = txn.QueryRowContext(ctx, `SELECT remaining_amount, active FROM gift_cards WHERE tenant_id = $1 AND code = $2 FOR UPDATE`, tenantID, code).
		Scan(&remaining, &active)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !active || remaining < amount {
		return remaining, fmt.Errorf("storage: insufficient gift card balance")
	}

	remaining -= amount
	if _, err := txn.ExecContext(ctx, `UPDATE gift_cards SET remaining_amount = $1 WHERE tenant_id = $2 AND code = $3`, remaining, tenantID, code); err != nil {
		return 0, err
	}
	return remaining, txn.Commit()
}

// RecordDispute inserts a new dispute row.
func (s *PostgresStore) RecordDispute(ctx context.Context, dispute Dispute) error {
	now := time.Now()
	if dispute.CreatedAt.IsZero() {
		dispute.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, tenant_id, payment_signature, order_id, reason, amount, asset, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		dispute.ID, dispute.TenantID, dispute.PaymentSignature, dispute.OrderID, dispute.Reason,
		dispute.Amount, dispute.Asset, dispute.Status, dispute.CreatedAt)
	return err
}

// GetDispute retrieves a dispute by id.
func (s *PostgresStore) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	var dispute Dispute
	var orderID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, payment_signature, order_id, reason, amount, asset, status, created_at, updated_at
		FROM disputes WHERE id = $1`, disputeID).
		Scan(&dispute.ID, &dispute.TenantID, &dispute.PaymentSignature, &orderID, &dispute.Reason,
			&dispute.Amount, &dispute.Asset, &dispute.Status, &dispute.CreatedAt, &dispute.UpdatedAt)
	if err == sql.ErrNoRows {
		return Dispute{}, ErrNotFound
	}
	if err != nil {
		return Dispute{}, err
	}
	dispute.OrderID = orderID.String
	return dispute, nil
}

// ListOpenDisputes lists unresolved disputes for a tenant.
func (s *PostgresStore) ListOpenDisputes(ctx context.Context, tenantID string) ([]Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, payment_signature, order_id, reason, amount, asset, status, created_at, updated_at
		FROM disputes WHERE tenant_id = $1 AND status IN ('needs_response', 'under_review')`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []Dispute
	for rows.Next() {
		var dispute Dispute
		var orderID sql.NullString
		if err := rows.Scan(&dispute.ID, &dispute.TenantID, &dispute.PaymentSignature, &orderID, &dispute.Reason,
			&dispute.Amount, &dispute.Asset, &dispute.Status, &dispute.CreatedAt, &dispute.UpdatedAt); err != nil {
			return nil, err
		}
		dispute.OrderID = orderID.String
		disputes = append(disputes, dispute)
	}
	return disputes, rows.Err()
}

// UpdateDisputeStatus transitions a dispute's status.
func (s *PostgresStore) UpdateDisputeStatus(ctx context.Context, disputeID string, status DisputeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE disputes SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), disputeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCreditsHold inserts a hold, relying on the (tenant_id,
// idempotency_key) unique constraint to make retries safe: a conflicting
// insert means a hold already exists for this request and the existing
// row is returned instead.
func (s *PostgresStore) CreateCreditsHold(ctx context.Context, hold CreditsHold) (CreditsHold, error) {
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now()
	}
	if hold.Status == "" {
		hold.Status = CreditsHoldStatusHeld
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credits_holds (id, tenant_id, user_id, resource_id, amount, idempotency_key, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		hold.ID, hold.TenantID, hold.UserID, hold.ResourceID, hold.Amount, hold.IdempotencyKey, hold.Status, hold.CreatedAt)
	if pqIsUniqueViolation(err) {
		existing, getErr := s.getCreditsHoldByIdempotencyKey(ctx, hold.TenantID, hold.IdempotencyKey)
		if getErr != nil {
			return CreditsHold{}, getErr
		}
		return existing, ErrCreditsHoldExists
	}
	if err != nil {
		return CreditsHold{}, err
	}
	return hold, nil
}

func (s *PostgresStore) getCreditsHoldByIdempotencyKey(ctx context.Context, tenantID, idemKey string) (CreditsHold, error) {
	var hold CreditsHold
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, resource_id, amount, idempotency_key, status, created_at, captured_at, released_at
		FROM credits_holds WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, idemKey).
		Scan(&hold.ID, &hold.TenantID, &hold.UserID, &hold.ResourceID, &hold.Amount, &hold.IdempotencyKey,
			&hold.Status, &hold.CreatedAt, &hold.CapturedAt, &hold.ReleasedAt)
	if err == sql.ErrNoRows {
		return CreditsHold{}, ErrNotFound
	}
	return hold, err
}

// GetCreditsHold retrieves a hold by id.
func (s *PostgresStore) GetCreditsHold(ctx context.Context, holdID string) (CreditsHold, error) {
	var hold CreditsHold
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, resource_id, amount, idempotency_key, status, created_at, captured_at, released_at
		FROM credits_holds WHERE id = $1`, holdID).
		Scan(&hold.ID, &hold.TenantID, &hold.UserID, &hold.ResourceID, &hold.Amount, &hold.IdempotencyKey,
			&hold.Status, &hold.CreatedAt, &hold.CapturedAt, &hold.ReleasedAt)
	if err == sql.ErrNoRows {
		return CreditsHold{}, ErrNotFound
	}
	return hold, err
}

// CaptureCreditsHold transitions a held debit to captured, refusing to
// double-capture via a conditional UPDATE (status = 'held' in the WHERE).
func (s *PostgresStore) CaptureCreditsHold(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credits_holds SET status = 'captured', captured_at = $1 WHERE id = $2 AND status = 'held'`,
		time.Now(), holdID)
	if err != nil {
		return err
	}
	return checkHoldTransition(res)
}

// ReleaseCreditsHold transitions a held debit to released via the same
// conditional-UPDATE pattern as CaptureCreditsHold.
func (s *PostgresStore) ReleaseCreditsHold(ctx context.Context, holdID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credits_holds SET status = 'released', released_at = $1 WHERE id = $2 AND status = 'held'`,
		time.Now(), holdID)
	if err != nil {
		return err
	}
	return checkHoldTransition(res)
}

func checkHoldTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: hold not found or already processed")
	}
	return nil
}

// pqIsUniqueViolation reports whether err is a postgres unique_violation
// (SQLSTATE 23505), matching how lib/pq surfaces constraint errors.
func pqIsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type sqlStater interface{ SQLState() string }
	if pgErr, ok := err.(sqlStater); ok {
		return pgErr.SQLState() == "23505"
	}
	return false
}
