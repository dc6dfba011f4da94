package domain

import "time"

type StockItem struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	BuyingPrice  float64 `json:"buying_price"`
	SellingPrice float64 `json:"selling_price"`
	Size         string  `json:"size,omitempty"`
	Quantity     int     `json:"quantity"`
	Description  string  `json:"description,omitempty"`
}

type StockItemCreateRequest struct {
	Name         string  `json:"name"`
	BuyingPrice  float64 `json:"buying_price"`
	SellingPrice float64 `json:"selling_price"`
	Size         string  `json:"size"`
	Quantity     int     `json:"quantity"`
	Description  string  `json:"description"`
}

type StockItemUpdateRequest struct {
	Name         *string  `json:"name,omitempty"`
	BuyingPrice  *float64 `json:"buying_price,omitempty"`
	SellingPrice *float64 `json:"selling_price,omitempty"`
	Size         *string  `json:"size,omitempty"`
	Quantity     *int     `json:"quantity,omitempty"`
	Description  *string  `json:"description,omitempty"`
}

// Sale is a completed transaction. Date is always stored in UTC; a
// timestamp read back without zone information is treated as UTC.
// TotalAmount is nullable: when present it is the canonical revenue for
// the sale, when absent revenue is derived from the items.
type Sale struct {
	ID            int64      `json:"id"`
	Date          time.Time  `json:"date"`
	TotalAmount   *float64   `json:"total_amount"`
	PaymentMethod string     `json:"payment_method"`
	MpesaCode     string     `json:"mpesa_code,omitempty"`
	CreatedBy     string     `json:"created_by"`
	Items         []SaleItem `json:"items"`
}

// SaleItem captures the unit selling price at sale time. ItemID is a soft
// reference: the stock item may have been deleted since.
type SaleItem struct {
	ID       int64   `json:"id"`
	SaleID   int64   `json:"sale_id"`
	ItemID   int64   `json:"item_id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type UserAccount struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	ID       int64
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type ChangePasswordRequest struct {
	OldPassword     string `json:"old_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type CartLine struct {
	ItemID   int64   `json:"id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type CheckoutRequest struct {
	Cart          []CartLine `json:"cart"`
	PaymentMethod string     `json:"payment_method"`
	MpesaCode     string     `json:"mpesa_code,omitempty"`
	Total         float64    `json:"total"`
}

type CheckoutResponse struct {
	Sale Sale `json:"sale"`
}

// SalesFilter carries the raw, optional query parameters of the sales
// ledger view. Malformed values are dropped, not rejected.
type SalesFilter struct {
	StartDate     string
	EndDate       string
	PaymentMethod string
	Seller        string
	MinAmount     string
	MaxAmount     string
}

// SalesQuery is the parsed form handed to the repository. Nil fields mean
// the filter is absent.
type SalesQuery struct {
	From          *time.Time
	To            *time.Time
	PaymentMethod string
	Seller        string
	MinAmount     *float64
	MaxAmount     *float64
}

type SalesDay struct {
	Date        string  `json:"date"`
	Sales       []Sale  `json:"sales"`
	TotalAmount float64 `json:"total_amount"`
}

type SalesLedger struct {
	Days           []SalesDay `json:"days"`
	TotalCount     int        `json:"total_count"`
	TotalAmount    float64    `json:"total_amount"`
	Sellers        []string   `json:"sellers"`
	PaymentMethods []string   `json:"payment_methods"`
}

type ProductPerformance struct {
	Name         string  `json:"name"`
	QuantitySold int     `json:"quantity_sold"`
	Revenue      float64 `json:"revenue"`
	Profit       float64 `json:"profit"`
	Margin       float64 `json:"margin"`
}

type TopProductSummary struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type TodayItem struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Revenue   float64 `json:"revenue"`
	Profit    float64 `json:"profit"`
	UnitPrice float64 `json:"unit_price"`
}

// ProfitAnalysis is the full analytics payload. Dates, Sales, Profits and
// Expenses are parallel arrays covering every local calendar day of the
// resolved range in ascending order.
type ProfitAnalysis struct {
	TimeRange string `json:"time_range"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	Dates    []string  `json:"dates"`
	Sales    []float64 `json:"sales"`
	Profits  []float64 `json:"profits"`
	Expenses []float64 `json:"expenses"`

	TotalRevenue float64 `json:"total_revenue"`
	TotalProfit  float64 `json:"total_profit"`
	ProfitMargin float64 `json:"profit_margin"`

	TopProducts    []ProductPerformance `json:"top_products"`
	MostSoldPerDay map[string]string    `json:"most_sold_per_day"`
	WeeklyTop      TopProductSummary    `json:"weekly_top"`
	MonthlyTop     TopProductSummary    `json:"monthly_top"`

	TodayDate  string      `json:"today_date"`
	TodayItems []TodayItem `json:"today_items"`
}

type ResetRequest struct {
	Confirm      string `json:"confirm_reset"`
	CreateBackup bool   `json:"create_backup"`
	ResetStock   bool   `json:"reset_stock"`
}

type ResetResponse struct {
	Status       string `json:"status"`
	DeletedSales int64  `json:"deleted_sales"`
	BackupFile   string `json:"backup_file,omitempty"`
	StockReset   bool   `json:"stock_reset"`
}

type ResetSummary struct {
	SalesCount  int64   `json:"sales_count"`
	TotalAmount float64 `json:"total_amount"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

const (
	PaymentCash  = "cash"
	PaymentMpesa = "mpesa"
)

// SystemAdminUsername is the reserved bootstrap account. It is hidden from
// user listings and cannot be deleted.
const SystemAdminUsername = "admin"

const ResetConfirmValue = "yes"
