package store

import (
	"context"
	"errors"

	"dukapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicate         = errors.New("duplicate")
	ErrInvalidInput      = errors.New("invalid input")
)

type Repository interface {
	ListStockItems(ctx context.Context, search string) ([]domain.StockItem, error)
	ListInStockItems(ctx context.Context) ([]domain.StockItem, error)
	GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error)
	GetStockItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error)
	CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)
	UpdateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)
	DeleteStockItem(ctx context.Context, id int64) error

	// CreateCheckout persists the sale, its items and the stock decrements
	// in a single transaction. Any line failure aborts the whole checkout.
	CreateCheckout(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, q domain.SalesQuery) ([]domain.Sale, error)
	ListSellers(ctx context.Context) ([]string, error)
	ListPaymentMethods(ctx context.Context) ([]string, error)
	SalesSummary(ctx context.Context) (domain.ResetSummary, error)
	DeleteAllSales(ctx context.Context) (int64, error)

	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	DeleteUser(ctx context.Context, id int64) error
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
}
