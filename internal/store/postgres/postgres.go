package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stock_items (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			buying_price DOUBLE PRECISION NOT NULL CHECK (buying_price >= 0),
			selling_price DOUBLE PRECISION NOT NULL CHECK (selling_price >= 0),
			size TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL CHECK (quantity >= 0),
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id BIGSERIAL PRIMARY KEY,
			date TIMESTAMPTZ NOT NULL DEFAULT now(),
			total_amount DOUBLE PRECISION,
			payment_method TEXT NOT NULL DEFAULT '',
			mpesa_code TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sale_items (
			id BIGSERIAL PRIMARY KEY,
			sale_id BIGINT NOT NULL REFERENCES sales(id) ON DELETE CASCADE,
			item_id BIGINT NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			price DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(date)`,
		`CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items(sale_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'staff',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ListStockItems(ctx context.Context, search string) ([]domain.StockItem, error) {
	query := `
		SELECT id, name, buying_price, selling_price, size, quantity, description
		FROM stock_items
	`
	args := []any{}
	if search != "" {
		query += ` WHERE name ILIKE $1 OR size ILIKE $1 OR description ILIKE $1`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStockItems(rows)
}

func (s *Store) ListInStockItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, buying_price, selling_price, size, quantity, description
		FROM stock_items
		WHERE quantity > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStockItems(rows)
}

func scanStockItems(rows *sql.Rows) ([]domain.StockItem, error) {
	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.Name, &item.BuyingPrice, &item.SellingPrice, &item.Size, &item.Quantity, &item.Description); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error) {
	var item domain.StockItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, buying_price, selling_price, size, quantity, description
		FROM stock_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.Name, &item.BuyingPrice, &item.SellingPrice, &item.Size, &item.Quantity, &item.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetStockItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	if len(ids) == 0 {
		return map[int64]domain.StockItem{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, buying_price, selling_price, size, quantity, description
		FROM stock_items
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[int64]domain.StockItem, len(ids))
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.Name, &item.BuyingPrice, &item.SellingPrice, &item.Size, &item.Quantity, &item.Description); err != nil {
			return nil, err
		}
		items[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.Name == "" || item.BuyingPrice < 0 || item.SellingPrice < 0 || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stock_items (name, buying_price, selling_price, size, quantity, description)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, item.Name, item.BuyingPrice, item.SellingPrice, item.Size, item.Quantity, item.Description).Scan(&item.ID)
	if err != nil {
		return nil, err
	}
	created := item
	return &created, nil
}

func (s *Store) UpdateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.Name == "" || item.BuyingPrice < 0 || item.SellingPrice < 0 || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items
		SET name = $2, buying_price = $3, selling_price = $4, size = $5, quantity = $6, description = $7
		WHERE id = $1
	`, item.ID, item.Name, item.BuyingPrice, item.SellingPrice, item.Size, item.Quantity, item.Description)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := item
	return &updated, nil
}

func (s *Store) DeleteStockItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateCheckout re-fetches every cart line inside one transaction, locks
// the stock rows, and fails the whole sale on the first missing item or
// short quantity. Rollback on any error is handled by the deferred call.
func (s *Store) CreateCheckout(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	for _, line := range sale.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	for _, line := range sale.Items {
		var name string
		var quantity int
		err := tx.QueryRowContext(ctx, `
			SELECT name, quantity
			FROM stock_items
			WHERE id = $1
			FOR UPDATE
		`, line.ItemID).Scan(&name, &quantity)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: item %d not found", store.ErrNotFound, line.ItemID)
			}
			return nil, err
		}
		if quantity < line.Quantity {
			return nil, fmt.Errorf("%w: not enough stock for %s", store.ErrInsufficientStock, name)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE stock_items
			SET quantity = quantity - $1
			WHERE id = $2
		`, line.Quantity, line.ItemID)
		if err != nil {
			return nil, err
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (date, total_amount, payment_method, mpesa_code, created_by)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, sale.Date, sale.TotalAmount, sale.PaymentMethod, sale.MpesaCode, sale.CreatedBy).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}

	for i := range sale.Items {
		line := &sale.Items[i]
		line.SaleID = sale.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sale_items (sale_id, item_id, quantity, price)
			VALUES ($1,$2,$3,$4)
			RETURNING id
		`, line.SaleID, line.ItemID, line.Quantity, line.Price).Scan(&line.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date, total_amount, payment_method, mpesa_code, created_by
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Date, &total, &sale.PaymentMethod, &sale.MpesaCode, &sale.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if total.Valid {
		sale.TotalAmount = &total.Float64
	}
	sale.Date = sale.Date.UTC()

	items, err := s.loadSaleItems(ctx, []int64{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, q domain.SalesQuery) ([]domain.Sale, error) {
	query := `
		SELECT id, date, total_amount, payment_method, mpesa_code, created_by
		FROM sales
		WHERE 1=1
	`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.From != nil {
		query += ` AND date >= ` + arg(*q.From)
	}
	if q.To != nil {
		query += ` AND date < ` + arg(*q.To)
	}
	if q.PaymentMethod != "" {
		query += ` AND payment_method = ` + arg(q.PaymentMethod)
	}
	if q.Seller != "" {
		query += ` AND created_by = ` + arg(q.Seller)
	}
	if q.MinAmount != nil {
		query += ` AND total_amount >= ` + arg(*q.MinAmount)
	}
	if q.MaxAmount != nil {
		query += ` AND total_amount <= ` + arg(*q.MaxAmount)
	}
	query += ` ORDER BY date DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 128)
	ids := make([]int64, 0, 128)
	for rows.Next() {
		var sale domain.Sale
		var total sql.NullFloat64
		if err := rows.Scan(&sale.ID, &sale.Date, &total, &sale.PaymentMethod, &sale.MpesaCode, &sale.CreatedBy); err != nil {
			return nil, err
		}
		if total.Valid {
			value := total.Float64
			sale.TotalAmount = &value
		}
		sale.Date = sale.Date.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := s.loadSaleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

// loadSaleItems attaches items to sales with one explicit query instead of
// per-sale lazy loads.
func (s *Store) loadSaleItems(ctx context.Context, saleIDs []int64) (map[int64][]domain.SaleItem, error) {
	result := make(map[int64][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, item_id, quantity, price
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY id
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ItemID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListSellers(ctx context.Context) ([]string, error) {
	return s.listDistinct(ctx, `
		SELECT DISTINCT created_by FROM sales WHERE created_by <> '' ORDER BY created_by
	`)
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]string, error) {
	return s.listDistinct(ctx, `
		SELECT DISTINCT payment_method FROM sales WHERE payment_method <> '' ORDER BY payment_method
	`)
}

func (s *Store) listDistinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0, 8)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *Store) SalesSummary(ctx context.Context) (domain.ResetSummary, error) {
	var summary domain.ResetSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint, COALESCE(SUM(total_amount), 0)
		FROM sales
	`).Scan(&summary.SalesCount, &summary.TotalAmount)
	return summary, err
}

// DeleteAllSales removes every sale and, via the cascade, every sale item
// in a single transaction.
func (s *Store) DeleteAllSales(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sales`)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	if user.Username == "" || user.Password == "" {
		return nil, store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password, role, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, user.Username, user.Password, user.Role, user.CreatedAt).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: username %s", store.ErrDuplicate, user.Username)
		}
		return nil, err
	}
	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, role, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, created_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
