package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

// Store is the in-memory repository used in dev mode and by tests. Checkout
// validates every cart line before touching any quantity so a failure
// leaves the store exactly as it was.
type Store struct {
	mu             sync.RWMutex
	nextStockID    int64
	nextSaleID     int64
	nextSaleItemID int64
	nextUserID     int64
	stock          map[int64]domain.StockItem
	sales          map[int64]domain.Sale
	users          map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		nextStockID:    1,
		nextSaleID:     1,
		nextSaleItemID: 1,
		nextUserID:     1,
		stock:          make(map[int64]domain.StockItem),
		sales:          make(map[int64]domain.Sale),
		users:          make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with demo stock and the bootstrap
// accounts. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_STAFF_PASSWORD, with dev defaults when unset. The seeded data only
// exists in memory mode; postgres deployments manage their own rows.
func NewSeeded() *Store {
	s := New()

	items := []domain.StockItem{
		{Name: "Rice 2kg", BuyingPrice: 180, SellingPrice: 240, Size: "2kg", Quantity: 40},
		{Name: "Cooking Oil 1L", BuyingPrice: 260, SellingPrice: 330, Size: "1L", Quantity: 25},
		{Name: "Sugar 1kg", BuyingPrice: 130, SellingPrice: 165, Size: "1kg", Quantity: 50},
		{Name: "Maize Flour 2kg", BuyingPrice: 120, SellingPrice: 155, Size: "2kg", Quantity: 60},
		{Name: "Tea Leaves 250g", BuyingPrice: 95, SellingPrice: 140, Size: "250g", Quantity: 30},
		{Name: "Milk 500ml", BuyingPrice: 42, SellingPrice: 60, Size: "500ml", Quantity: 80},
		{Name: "Bread 400g", BuyingPrice: 48, SellingPrice: 65, Size: "400g", Quantity: 35},
		{Name: "Eggs Tray", BuyingPrice: 330, SellingPrice: 420, Size: "30pc", Quantity: 20},
		{Name: "Bar Soap", BuyingPrice: 110, SellingPrice: 150, Quantity: 45},
		{Name: "Soda 500ml", BuyingPrice: 38, SellingPrice: 60, Size: "500ml", Quantity: 70},
	}
	for _, item := range items {
		item.ID = s.nextStockID
		s.nextStockID++
		s.stock[item.ID] = item
	}

	for username, account := range seedUsers() {
		account.ID = s.nextUserID
		s.nextUserID++
		s.users[username] = account
	}

	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{domain.SystemAdminUsername, adminPwd, domain.RoleAdmin},
		{"alice", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListStockItems(_ context.Context, search string) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search = strings.ToLower(strings.TrimSpace(search))
	items := make([]domain.StockItem, 0, len(s.stock))
	for _, item := range s.stock {
		if search != "" && !matchesSearch(item, search) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func matchesSearch(item domain.StockItem, search string) bool {
	return strings.Contains(strings.ToLower(item.Name), search) ||
		strings.Contains(strings.ToLower(item.Size), search) ||
		strings.Contains(strings.ToLower(item.Description), search)
}

func (s *Store) ListInStockItems(_ context.Context) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stock))
	for _, item := range s.stock {
		if item.Quantity > 0 {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) GetStockItem(_ context.Context, id int64) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stock[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) GetStockItemsByIDs(_ context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make(map[int64]domain.StockItem, len(ids))
	for _, id := range ids {
		if item, ok := s.stock[id]; ok {
			items[id] = item
		}
	}
	return items, nil
}

func (s *Store) CreateStockItem(_ context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.Name == "" || item.BuyingPrice < 0 || item.SellingPrice < 0 || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item.ID = s.nextStockID
	s.nextStockID++
	s.stock[item.ID] = item
	created := item
	return &created, nil
}

func (s *Store) UpdateStockItem(_ context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.Name == "" || item.BuyingPrice < 0 || item.SellingPrice < 0 || item.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stock[item.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.stock[item.ID] = item
	updated := item
	return &updated, nil
}

func (s *Store) DeleteStockItem(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stock[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.stock, id)
	return nil
}

func (s *Store) CreateCheckout(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line first; nothing is mutated until all pass.
	for _, line := range sale.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		item, ok := s.stock[line.ItemID]
		if !ok {
			return nil, fmt.Errorf("%w: item %d not found", store.ErrNotFound, line.ItemID)
		}
		if item.Quantity < line.Quantity {
			return nil, fmt.Errorf("%w: not enough stock for %s", store.ErrInsufficientStock, item.Name)
		}
	}

	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}
	sale.ID = s.nextSaleID
	s.nextSaleID++

	for i := range sale.Items {
		line := &sale.Items[i]
		line.ID = s.nextSaleItemID
		s.nextSaleItemID++
		line.SaleID = sale.ID

		item := s.stock[line.ItemID]
		item.Quantity -= line.Quantity
		s.stock[line.ItemID] = item
	}

	s.sales[sale.ID] = cloneSale(sale)
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneSale(sale)
	return &found, nil
}

func (s *Store) ListSales(_ context.Context, q domain.SalesQuery) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if q.From != nil && sale.Date.Before(*q.From) {
			continue
		}
		if q.To != nil && !sale.Date.Before(*q.To) {
			continue
		}
		if q.PaymentMethod != "" && sale.PaymentMethod != q.PaymentMethod {
			continue
		}
		if q.Seller != "" && sale.CreatedBy != q.Seller {
			continue
		}
		if q.MinAmount != nil && saleAmount(sale) < *q.MinAmount {
			continue
		}
		if q.MaxAmount != nil && saleAmount(sale) > *q.MaxAmount {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}

	sort.Slice(sales, func(i, j int) bool {
		if sales[i].Date.Equal(sales[j].Date) {
			return sales[i].ID > sales[j].ID
		}
		return sales[i].Date.After(sales[j].Date)
	})
	return sales, nil
}

func saleAmount(sale domain.Sale) float64 {
	if sale.TotalAmount != nil {
		return *sale.TotalAmount
	}
	return 0
}

func (s *Store) ListSellers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	sellers := make([]string, 0, 8)
	for _, sale := range s.sales {
		if sale.CreatedBy == "" {
			continue
		}
		if _, ok := seen[sale.CreatedBy]; ok {
			continue
		}
		seen[sale.CreatedBy] = struct{}{}
		sellers = append(sellers, sale.CreatedBy)
	}
	sort.Strings(sellers)
	return sellers, nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	methods := make([]string, 0, 4)
	for _, sale := range s.sales {
		if sale.PaymentMethod == "" {
			continue
		}
		if _, ok := seen[sale.PaymentMethod]; ok {
			continue
		}
		seen[sale.PaymentMethod] = struct{}{}
		methods = append(methods, sale.PaymentMethod)
	}
	sort.Strings(methods)
	return methods, nil
}

func (s *Store) SalesSummary(_ context.Context) (domain.ResetSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.ResetSummary{}
	for _, sale := range s.sales {
		summary.SalesCount++
		summary.TotalAmount += saleAmount(sale)
	}
	return summary, nil
}

func (s *Store) DeleteAllSales(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := int64(len(s.sales))
	s.sales = make(map[int64]domain.Sale)
	return deleted, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	if user.Username == "" || user.Password == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return nil, fmt.Errorf("%w: username %s", store.ErrDuplicate, user.Username)
	}

	user.ID = s.nextUserID
	s.nextUserID++
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	created := user
	return &created, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *Store) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for username, user := range s.users {
		if user.ID == id {
			delete(s.users, username)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = passwordHash
	s.users[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	cloned := sale
	if sale.TotalAmount != nil {
		total := *sale.TotalAmount
		cloned.TotalAmount = &total
	}
	cloned.Items = make([]domain.SaleItem, len(sale.Items))
	copy(cloned.Items, sale.Items)
	return cloned
}
