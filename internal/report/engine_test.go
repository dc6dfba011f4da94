package report

import (
	"fmt"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
)

// Nairobi is UTC+3 with no DST; a fixed zone keeps the tests independent
// of the host tzdata.
var nairobi = time.FixedZone("EAT", 3*3600)

func fixedNow() time.Time {
	return time.Date(2025, time.September, 15, 13, 30, 0, 0, nairobi)
}

func amount(v float64) *float64 {
	return &v
}

func TestResolveRangeTokens(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	cases := []struct {
		token string
		start string
		end   string
	}{
		{"today", "2025-09-15", "2025-09-15"},
		{"week", "2025-09-09", "2025-09-15"},
		{"month", "2025-09-01", "2025-09-15"},
		{"quarter", "2025-06-17", "2025-09-15"},
		{"year", "2025-01-01", "2025-09-15"},
		{"bogus", "2025-08-17", "2025-09-15"},
	}

	for _, tc := range cases {
		start, end := engine.ResolveRange(tc.token, now)
		if got := start.Format("2006-01-02"); got != tc.start {
			t.Errorf("%s: start = %s, want %s", tc.token, got, tc.start)
		}
		if got := end.Format("2006-01-02"); got != tc.end {
			t.Errorf("%s: end = %s, want %s", tc.token, got, tc.end)
		}
	}
}

func TestRangeBoundsConvertLocalMidnightsToUTC(t *testing.T) {
	engine := NewEngine(nairobi)
	start, end := engine.ResolveRange("today", fixedNow())

	from, to := engine.RangeBounds(start, end)
	if want := time.Date(2025, 9, 14, 21, 0, 0, 0, time.UTC); !from.Equal(want) {
		t.Fatalf("from = %v, want %v", from, want)
	}
	if want := time.Date(2025, 9, 15, 21, 0, 0, 0, time.UTC); !to.Equal(want) {
		t.Fatalf("to = %v, want %v", to, want)
	}
}

func TestAnalyzeSeriesIsContiguousAndZeroFilled(t *testing.T) {
	engine := NewEngine(nairobi)

	analysis := engine.Analyze("week", fixedNow(), nil, nil)

	if len(analysis.Dates) != 7 {
		t.Fatalf("expected 7 dates, got %d", len(analysis.Dates))
	}
	if len(analysis.Sales) != 7 || len(analysis.Profits) != 7 || len(analysis.Expenses) != 7 {
		t.Fatalf("chart arrays must be parallel to dates")
	}
	for i := 1; i < len(analysis.Dates); i++ {
		prev, _ := time.Parse("2006-01-02", analysis.Dates[i-1])
		cur, _ := time.Parse("2006-01-02", analysis.Dates[i])
		if cur.Sub(prev) != 24*time.Hour {
			t.Fatalf("dates not contiguous ascending: %s -> %s", analysis.Dates[i-1], analysis.Dates[i])
		}
	}
	for i := range analysis.Sales {
		if analysis.Sales[i] != 0 || analysis.Profits[i] != 0 || analysis.Expenses[i] != 0 {
			t.Fatalf("expected zero-filled day at index %d", i)
		}
	}
	if analysis.ProfitMargin != 0 {
		t.Fatalf("margin must be 0 with zero revenue, got %v", analysis.ProfitMargin)
	}
	if analysis.WeeklyTop.Name != "N/A" || analysis.WeeklyTop.Quantity != 0 {
		t.Fatalf("expected N/A weekly top, got %+v", analysis.WeeklyTop)
	}
	if analysis.MonthlyTop.Name != "N/A" || analysis.MonthlyTop.Quantity != 0 {
		t.Fatalf("expected N/A monthly top, got %+v", analysis.MonthlyTop)
	}
}

func TestAnalyzeRevenueNotDoubleCounted(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := map[int64]domain.StockItem{
		1: {ID: 1, Name: "Soda 500ml", BuyingPrice: 30},
	}
	sales := []domain.Sale{{
		ID:          1,
		Date:        now.UTC(),
		TotalAmount: amount(100),
		Items: []domain.SaleItem{
			{ItemID: 1, Quantity: 2, Price: 50},
		},
	}}

	analysis := engine.Analyze("today", now, sales, items)

	total := 0.0
	for _, v := range analysis.Sales {
		total += v
	}
	if total != 100 {
		t.Fatalf("day sales = %v, want 100 (stored total, not total+items)", total)
	}
}

func TestAnalyzeFallsBackToItemRevenueWithoutStoredTotal(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	sales := []domain.Sale{{
		ID:   1,
		Date: now.UTC(),
		Items: []domain.SaleItem{
			{ItemID: 1, Quantity: 3, Price: 40},
			{ItemID: 2, Quantity: 1, Price: 15},
		},
	}}

	analysis := engine.Analyze("today", now, sales, nil)
	if analysis.TotalRevenue != 135 {
		t.Fatalf("total revenue = %v, want 135 from items", analysis.TotalRevenue)
	}
}

func TestAnalyzeLedgerExample(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := map[int64]domain.StockItem{
		1: {ID: 1, Name: "Rice 2kg", BuyingPrice: 60},
		2: {ID: 2, Name: "Cooking Oil", BuyingPrice: 20},
	}
	sales := []domain.Sale{
		{
			ID: 1, Date: now.UTC(), TotalAmount: amount(100),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 1, Price: 100}},
		},
		{
			ID: 2, Date: now.UTC(), TotalAmount: amount(50),
			Items: []domain.SaleItem{{ItemID: 2, Quantity: 1, Price: 50}},
		},
	}

	analysis := engine.Analyze("today", now, sales, items)

	if len(analysis.Dates) != 1 {
		t.Fatalf("expected a single day bucket, got %d", len(analysis.Dates))
	}
	if analysis.Sales[0] != 150 {
		t.Fatalf("day sales = %v, want 150", analysis.Sales[0])
	}
	if analysis.Expenses[0] != 80 {
		t.Fatalf("day cost = %v, want 80", analysis.Expenses[0])
	}
	if analysis.Profits[0] != 70 {
		t.Fatalf("day profit = %v, want 70", analysis.Profits[0])
	}
	if analysis.ProfitMargin != 46.7 {
		t.Fatalf("margin = %v, want 46.7", analysis.ProfitMargin)
	}
}

func TestAnalyzeToleratesDeletedStockItem(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	sales := []domain.Sale{{
		ID: 1, Date: now.UTC(), TotalAmount: amount(80),
		Items: []domain.SaleItem{{ItemID: 42, Quantity: 2, Price: 40}},
	}}

	analysis := engine.Analyze("today", now, sales, map[int64]domain.StockItem{})

	if len(analysis.TopProducts) != 1 {
		t.Fatalf("expected one product, got %d", len(analysis.TopProducts))
	}
	top := analysis.TopProducts[0]
	if top.Name != "Item#42" {
		t.Fatalf("placeholder name = %q, want Item#42", top.Name)
	}
	if analysis.Expenses[0] != 0 {
		t.Fatalf("deleted item must contribute zero cost, got %v", analysis.Expenses[0])
	}
	if top.Profit != 80 {
		t.Fatalf("profit = %v, want full revenue 80", top.Profit)
	}
}

func TestAnalyzeBucketsByLocalCalendarDay(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	// 22:30 UTC on the 14th is 01:30 on the 15th in Nairobi.
	sales := []domain.Sale{{
		ID: 1, Date: time.Date(2025, 9, 14, 22, 30, 0, 0, time.UTC), TotalAmount: amount(60),
		Items: []domain.SaleItem{{ItemID: 1, Quantity: 1, Price: 60}},
	}}

	analysis := engine.Analyze("week", now, sales, nil)

	for i, date := range analysis.Dates {
		want := 0.0
		if date == "2025-09-15" {
			want = 60
		}
		if analysis.Sales[i] != want {
			t.Fatalf("date %s: sales = %v, want %v", date, analysis.Sales[i], want)
		}
	}
}

func TestTopProductsSortedByProfitAndTruncated(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := make(map[int64]domain.StockItem)
	sale := domain.Sale{ID: 1, Date: now.UTC()}
	for i := int64(1); i <= 12; i++ {
		items[i] = domain.StockItem{ID: i, Name: fmt.Sprintf("Product %d", i), BuyingPrice: 0}
		sale.Items = append(sale.Items, domain.SaleItem{ItemID: i, Quantity: 1, Price: float64(i)})
	}

	analysis := engine.Analyze("today", now, []domain.Sale{sale}, items)

	if len(analysis.TopProducts) != 10 {
		t.Fatalf("expected top list truncated to 10, got %d", len(analysis.TopProducts))
	}
	for i := 1; i < len(analysis.TopProducts); i++ {
		if analysis.TopProducts[i].Profit > analysis.TopProducts[i-1].Profit {
			t.Fatalf("top products not sorted by profit descending")
		}
	}
	if analysis.TopProducts[0].Name != "Product 12" {
		t.Fatalf("most profitable = %q, want Product 12", analysis.TopProducts[0].Name)
	}
}

func TestMostSoldPerDayBreaksTiesByFirstSeen(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := map[int64]domain.StockItem{
		1: {ID: 1, Name: "Bread"},
		2: {ID: 2, Name: "Milk"},
	}
	sales := []domain.Sale{{
		ID: 1, Date: now.UTC(),
		Items: []domain.SaleItem{
			{ItemID: 1, Quantity: 3, Price: 50},
			{ItemID: 2, Quantity: 3, Price: 70},
		},
	}}

	analysis := engine.Analyze("today", now, sales, items)

	if got := analysis.MostSoldPerDay["2025-09-15"]; got != "Bread" {
		t.Fatalf("tie should go to first-seen product, got %q", got)
	}
}

func TestWeeklyAndMonthlyTopSumAcrossPeriods(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := map[int64]domain.StockItem{
		1: {ID: 1, Name: "Sugar 1kg"},
		2: {ID: 2, Name: "Tea Leaves"},
	}
	// Sugar: 2 in week 37 + 3 in week 38 = 5. Tea: 4 in one week.
	sales := []domain.Sale{
		{ID: 1, Date: time.Date(2025, 9, 8, 9, 0, 0, 0, time.UTC),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 2, Price: 150}}},
		{ID: 2, Date: time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 3, Price: 150}}},
		{ID: 3, Date: time.Date(2025, 9, 10, 9, 0, 0, 0, time.UTC),
			Items: []domain.SaleItem{{ItemID: 2, Quantity: 4, Price: 90}}},
	}

	analysis := engine.Analyze("month", now, sales, items)

	if analysis.WeeklyTop.Name != "Sugar 1kg" || analysis.WeeklyTop.Quantity != 5 {
		t.Fatalf("weekly top = %+v, want Sugar 1kg x5", analysis.WeeklyTop)
	}
	if analysis.MonthlyTop.Name != "Sugar 1kg" || analysis.MonthlyTop.Quantity != 5 {
		t.Fatalf("monthly top = %+v, want Sugar 1kg x5", analysis.MonthlyTop)
	}
}

func TestTodayItemsAveragesUnitPrice(t *testing.T) {
	engine := NewEngine(nairobi)
	now := fixedNow()

	items := map[int64]domain.StockItem{
		1: {ID: 1, Name: "Eggs Tray", BuyingPrice: 250},
	}
	sales := []domain.Sale{
		{ID: 1, Date: now.UTC(),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 1, Price: 320}}},
		{ID: 2, Date: now.UTC(),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 2, Price: 300}}},
		// Yesterday's sale must not appear in today's items.
		{ID: 3, Date: now.AddDate(0, 0, -1).UTC(),
			Items: []domain.SaleItem{{ItemID: 1, Quantity: 5, Price: 310}}},
	}

	analysis := engine.Analyze("week", now, sales, items)

	if len(analysis.TodayItems) != 1 {
		t.Fatalf("expected one grouped today item, got %d", len(analysis.TodayItems))
	}
	today := analysis.TodayItems[0]
	if today.Quantity != 3 {
		t.Fatalf("today qty = %d, want 3", today.Quantity)
	}
	// (320 + 600) / 3
	if today.UnitPrice != 306.67 {
		t.Fatalf("unit price = %v, want 306.67", today.UnitPrice)
	}
	if today.Revenue != 920 {
		t.Fatalf("revenue = %v, want 920", today.Revenue)
	}
}
