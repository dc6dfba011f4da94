package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/backup"
	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	repo      store.Repository
	engine    *report.Engine
	reports   cache.ReportCache
	backups   *backup.Writer
	reportTTL time.Duration
	now       func() time.Time
}

func New(repo store.Repository, engine *report.Engine, reports cache.ReportCache, backups *backup.Writer, reportTTL time.Duration) *Service {
	if engine == nil {
		engine = report.NewEngine(time.UTC)
	}
	if reports == nil {
		reports = cache.NewNoopReportCache()
	}
	if backups == nil {
		backups = backup.NewWriter(".")
	}
	if reportTTL <= 0 {
		reportTTL = time.Minute
	}

	return &Service{
		repo:      repo,
		engine:    engine,
		reports:   reports,
		backups:   backups,
		reportTTL: reportTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListStock(ctx context.Context, search string) ([]domain.StockItem, error) {
	return s.repo.ListStockItems(ctx, strings.TrimSpace(search))
}

func (s *Service) ListInStock(ctx context.Context) ([]domain.StockItem, error) {
	return s.repo.ListInStockItems(ctx)
}

func (s *Service) GetStockItem(ctx context.Context, id int64) (domain.StockItem, error) {
	item, err := s.repo.GetStockItem(ctx, id)
	if err != nil {
		return domain.StockItem{}, err
	}
	return *item, nil
}

func (s *Service) CreateStockItem(ctx context.Context, req domain.StockItemCreateRequest) (domain.StockItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockItem{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.BuyingPrice < 0 || req.SellingPrice < 0 || req.Quantity < 0 {
		return domain.StockItem{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateStockItem(ctx, domain.StockItem{
		Name:         req.Name,
		BuyingPrice:  req.BuyingPrice,
		SellingPrice: req.SellingPrice,
		Size:         strings.TrimSpace(req.Size),
		Quantity:     req.Quantity,
		Description:  strings.TrimSpace(req.Description),
	})
	if err != nil {
		return domain.StockItem{}, err
	}
	return *created, nil
}

func (s *Service) UpdateStockItem(ctx context.Context, id int64, req domain.StockItemUpdateRequest) (domain.StockItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockItem{}, err
	}

	existing, err := s.repo.GetStockItem(ctx, id)
	if err != nil {
		return domain.StockItem{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.StockItem{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.BuyingPrice != nil {
		if *req.BuyingPrice < 0 {
			return domain.StockItem{}, store.ErrInvalidInput
		}
		updated.BuyingPrice = *req.BuyingPrice
	}
	if req.SellingPrice != nil {
		if *req.SellingPrice < 0 {
			return domain.StockItem{}, store.ErrInvalidInput
		}
		updated.SellingPrice = *req.SellingPrice
	}
	if req.Size != nil {
		updated.Size = strings.TrimSpace(*req.Size)
	}
	if req.Quantity != nil {
		if *req.Quantity < 0 {
			return domain.StockItem{}, store.ErrInvalidInput
		}
		updated.Quantity = *req.Quantity
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}

	saved, err := s.repo.UpdateStockItem(ctx, updated)
	if err != nil {
		return domain.StockItem{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteStockItem(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteStockItem(ctx, id)
}

// Checkout records a sale. The whole cart succeeds or nothing is written;
// stock validation and decrement happen inside the repository transaction.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CheckoutResponse{}, fmt.Errorf("login required")
	}

	if len(req.Cart) == 0 {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: cart is empty", store.ErrInvalidInput)
	}
	for _, line := range req.Cart {
		if line.ItemID < 1 || line.Quantity < 1 || line.Price < 0 {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: bad cart line", store.ErrInvalidInput)
		}
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentMpesa {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: unsupported payment method", store.ErrInvalidInput)
	}
	req.MpesaCode = strings.ToUpper(strings.TrimSpace(req.MpesaCode))
	if req.PaymentMethod == domain.PaymentMpesa && req.MpesaCode == "" {
		return domain.CheckoutResponse{}, fmt.Errorf("%w: m-pesa code is required", store.ErrInvalidInput)
	}
	if req.PaymentMethod == domain.PaymentCash {
		req.MpesaCode = ""
	}

	total := req.Total
	if total <= 0 {
		for _, line := range req.Cart {
			total += line.Price * float64(line.Quantity)
		}
	}

	items := make([]domain.SaleItem, 0, len(req.Cart))
	for _, line := range req.Cart {
		items = append(items, domain.SaleItem{
			ItemID:   line.ItemID,
			Quantity: line.Quantity,
			Price:    line.Price,
		})
	}

	sale := domain.Sale{
		Date:          s.now(),
		TotalAmount:   &total,
		PaymentMethod: req.PaymentMethod,
		MpesaCode:     req.MpesaCode,
		CreatedBy:     actor.Username,
		Items:         items,
	}

	created, err := s.repo.CreateCheckout(ctx, sale)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.invalidateReports(ctx)

	return domain.CheckoutResponse{Sale: *created}, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListSales renders the filtered sales ledger grouped by local calendar
// day, newest first. Malformed filter values are ignored rather than
// rejected so a bad date in the query string never breaks the page.
func (s *Service) ListSales(ctx context.Context, filter domain.SalesFilter) (domain.SalesLedger, error) {
	query := s.parseFilter(filter)

	sales, err := s.repo.ListSales(ctx, query)
	if err != nil {
		return domain.SalesLedger{}, err
	}

	loc := s.engine.Location()
	days := make([]domain.SalesDay, 0, 16)
	index := make(map[string]int, 16)
	ledger := domain.SalesLedger{}

	for _, sale := range sales {
		day := sale.Date.In(loc).Format("2006-01-02")
		i, ok := index[day]
		if !ok {
			i = len(days)
			index[day] = i
			days = append(days, domain.SalesDay{Date: day})
		}
		amount := saleAmount(sale)
		days[i].Sales = append(days[i].Sales, sale)
		days[i].TotalAmount += amount
		ledger.TotalCount++
		ledger.TotalAmount += amount
	}

	ledger.Days = days

	sellers, err := s.repo.ListSellers(ctx)
	if err != nil {
		return domain.SalesLedger{}, err
	}
	methods, err := s.repo.ListPaymentMethods(ctx)
	if err != nil {
		return domain.SalesLedger{}, err
	}
	ledger.Sellers = sellers
	ledger.PaymentMethods = methods

	return ledger, nil
}

func (s *Service) parseFilter(filter domain.SalesFilter) domain.SalesQuery {
	loc := s.engine.Location()
	query := domain.SalesQuery{}

	if start, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(filter.StartDate), loc); err == nil {
		from := start.UTC()
		query.From = &from
	}
	if end, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(filter.EndDate), loc); err == nil {
		// End date is inclusive, so query up to the next local midnight.
		to := end.AddDate(0, 0, 1).UTC()
		query.To = &to
	}

	if method := strings.ToLower(strings.TrimSpace(filter.PaymentMethod)); method != "" && method != "all" {
		query.PaymentMethod = method
	}
	if seller := strings.TrimSpace(filter.Seller); seller != "" && !strings.EqualFold(seller, "all") {
		query.Seller = seller
	}

	if min, err := strconv.ParseFloat(strings.TrimSpace(filter.MinAmount), 64); err == nil {
		query.MinAmount = &min
	}
	if max, err := strconv.ParseFloat(strings.TrimSpace(filter.MaxAmount), 64); err == nil {
		query.MaxAmount = &max
	}

	return query
}

// ProfitAnalysis computes the analytics dashboard for a named time range.
// Results are cached per range and local date so repeated dashboard loads
// within the TTL skip the full scan.
func (s *Service) ProfitAnalysis(ctx context.Context, timeRange string) (domain.ProfitAnalysis, error) {
	timeRange = strings.ToLower(strings.TrimSpace(timeRange))
	now := s.now()

	key := fmt.Sprintf("%s:%s", timeRange, now.In(s.engine.Location()).Format("2006-01-02"))
	if cached, ok, err := s.reports.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: report cache get failed key=%s: %v", key, err)
	} else if ok {
		return *cached, nil
	}

	start, end := s.engine.ResolveRange(timeRange, now)
	from, to := s.engine.RangeBounds(start, end)
	sales, err := s.repo.ListSales(ctx, domain.SalesQuery{From: &from, To: &to})
	if err != nil {
		return domain.ProfitAnalysis{}, err
	}

	ids := make([]int64, 0, 64)
	seen := make(map[int64]struct{}, 64)
	for _, sale := range sales {
		for _, line := range sale.Items {
			if _, ok := seen[line.ItemID]; ok {
				continue
			}
			seen[line.ItemID] = struct{}{}
			ids = append(ids, line.ItemID)
		}
	}
	items, err := s.repo.GetStockItemsByIDs(ctx, ids)
	if err != nil {
		return domain.ProfitAnalysis{}, err
	}

	analysis := s.engine.Analyze(timeRange, now, sales, items)

	if err := s.reports.Set(ctx, key, &analysis, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache set failed key=%s: %v", key, err)
	}

	return analysis, nil
}

// ResetSummary reports what a reset would delete. Shown on the
// confirmation page before the destructive step.
func (s *Service) ResetSummary(ctx context.Context) (domain.ResetSummary, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ResetSummary{}, err
	}
	return s.repo.SalesSummary(ctx)
}

// ResetSales deletes the entire sales history. Requires the literal
// confirmation value; anything else cancels without touching data. When a
// backup is requested and fails, the reset does not proceed.
func (s *Service) ResetSales(ctx context.Context, req domain.ResetRequest) (domain.ResetResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ResetResponse{}, err
	}

	if strings.TrimSpace(req.Confirm) != domain.ResetConfirmValue {
		return domain.ResetResponse{Status: "cancelled"}, nil
	}

	resp := domain.ResetResponse{Status: "completed"}

	if req.CreateBackup {
		sales, err := s.repo.ListSales(ctx, domain.SalesQuery{})
		if err != nil {
			return domain.ResetResponse{}, err
		}
		ids := make([]int64, 0, 64)
		seen := make(map[int64]struct{}, 64)
		for _, sale := range sales {
			for _, line := range sale.Items {
				if _, ok := seen[line.ItemID]; ok {
					continue
				}
				seen[line.ItemID] = struct{}{}
				ids = append(ids, line.ItemID)
			}
		}
		items, err := s.repo.GetStockItemsByIDs(ctx, ids)
		if err != nil {
			return domain.ResetResponse{}, err
		}
		file, err := s.backups.Export(sales, items, s.now())
		if err != nil {
			return domain.ResetResponse{}, fmt.Errorf("backup failed, reset aborted: %w", err)
		}
		resp.BackupFile = file
	}

	deleted, err := s.repo.DeleteAllSales(ctx)
	if err != nil {
		return domain.ResetResponse{}, err
	}
	resp.DeletedSales = deleted

	// Stock quantities are left alone. The reset_stock flag is accepted for
	// form compatibility but reported back as not applied.
	resp.StockReset = false

	s.invalidateReports(ctx)

	actor, _ := ActorFromContext(ctx)
	log.Printf("[service] sales history reset by=%s deleted=%d backup=%s", actor.Username, deleted, resp.BackupFile)

	return resp, nil
}

// Authenticate verifies a username and password against the user store.
func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.UserAccount{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UserAccount{}, ErrInvalidCredentials
		}
		return domain.UserAccount{}, err
	}

	if !verifyPassword(user.Password, password) {
		return domain.UserAccount{}, ErrInvalidCredentials
	}
	return *user, nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserAccount, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.UserAccount{}, err
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 3 || strings.ContainsAny(username, " \t\r\n") {
		return domain.UserAccount{}, fmt.Errorf("%w: username must be at least 3 characters with no spaces", store.ErrInvalidInput)
	}
	if len(req.Password) < 8 {
		return domain.UserAccount{}, fmt.Errorf("%w: password must be at least 8 characters", store.ErrInvalidInput)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleStaff
	}
	if role != domain.RoleAdmin && role != domain.RoleStaff {
		return domain.UserAccount{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidInput, role)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  hash,
		Role:      role,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.UserAccount{}, err
	}
	return *created, nil
}

// ListUsers hides the bootstrap admin account from the listing.
func (s *Service) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	visible := make([]domain.UserAccount, 0, len(users))
	for _, user := range users {
		if user.Username == domain.SystemAdminUsername {
			continue
		}
		visible = append(visible, user)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Username < visible[j].Username })
	return visible, nil
}

func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if user.ID != id {
			continue
		}
		if user.Username == domain.SystemAdminUsername {
			return fmt.Errorf("%w: the system admin account cannot be deleted", store.ErrInvalidInput)
		}
		if user.Username == actor.Username {
			return fmt.Errorf("%w: you cannot delete your own account", store.ErrInvalidInput)
		}
		return s.repo.DeleteUser(ctx, id)
	}
	return store.ErrNotFound
}

func (s *Service) ChangePassword(ctx context.Context, req domain.ChangePasswordRequest) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("login required")
	}

	if req.NewPassword != req.ConfirmPassword {
		return fmt.Errorf("%w: passwords do not match", store.ErrInvalidInput)
	}
	if len(req.NewPassword) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", store.ErrInvalidInput)
	}

	if _, err := s.Authenticate(ctx, actor.Username, req.OldPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return fmt.Errorf("%w: current password is incorrect", store.ErrInvalidInput)
		}
		return err
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.UpdateUserPassword(ctx, actor.Username, hash)
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: report cache invalidate failed: %v", err)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func saleAmount(sale domain.Sale) float64 {
	if sale.TotalAmount != nil {
		return *sale.TotalAmount
	}
	total := 0.0
	for _, line := range sale.Items {
		total += line.Price * float64(line.Quantity)
	}
	return total
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
