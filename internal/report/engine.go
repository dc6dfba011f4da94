package report

import (
	"fmt"
	"math"
	"sort"
	"time"

	"dukapos/backend/internal/domain"
)

const dayFormat = "2006-01-02"

// Engine computes profit analytics over a sale ledger. All calendar-day
// bucketing happens in loc; stored timestamps are treated as UTC.
type Engine struct {
	loc *time.Location
}

func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

func (e *Engine) Location() *time.Location {
	return e.loc
}

// ResolveRange maps a symbolic time range token to inclusive local
// calendar-day bounds. Both returned times are local midnights.
func (e *Engine) ResolveRange(timeRange string, now time.Time) (time.Time, time.Time) {
	today := e.startOfDay(now.In(e.loc))

	var start time.Time
	switch timeRange {
	case "today", "day":
		start = today
	case "week":
		start = today.AddDate(0, 0, -6)
	case "month":
		start = time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, e.loc)
	case "quarter":
		// Trailing 90 days, not a fiscal quarter.
		start = today.AddDate(0, 0, -90)
	case "year":
		start = time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, e.loc)
	default:
		start = today.AddDate(0, 0, -29)
	}

	return start, today
}

// RangeBounds converts inclusive local calendar-day bounds to a half-open
// UTC window [from, to) for querying the UTC-stored ledger.
func (e *Engine) RangeBounds(start, end time.Time) (time.Time, time.Time) {
	return start.UTC(), end.AddDate(0, 0, 1).UTC()
}

func (e *Engine) startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
}

// localDay returns the local calendar day a stored timestamp belongs to.
// A timestamp without zone information is assumed to be UTC.
func (e *Engine) localDay(t time.Time) time.Time {
	return e.startOfDay(t.In(e.loc))
}

// soldItem is one sale line resolved against the stock catalog.
type soldItem struct {
	name    string
	day     time.Time
	qty     int
	revenue float64
	cost    float64
	profit  float64
}

type dayBucket struct {
	sales  float64
	cost   float64
	profit float64
}

// Analyze aggregates the given sales into the full profit-analysis payload.
// Revenue is taken from Sale.TotalAmount when present and from item
// revenues otherwise, never both. Stock items missing from the catalog map
// contribute zero cost under the placeholder name Item#<id>.
func (e *Engine) Analyze(timeRange string, now time.Time, sales []domain.Sale, items map[int64]domain.StockItem) domain.ProfitAnalysis {
	start, end := e.ResolveRange(timeRange, now)

	buckets := make(map[string]*dayBucket)
	sold := make([]soldItem, 0, len(sales)*2)

	bucket := func(key string) *dayBucket {
		b, ok := buckets[key]
		if !ok {
			b = &dayBucket{}
			buckets[key] = b
		}
		return b
	}

	for _, sale := range sales {
		day := e.localDay(sale.Date)
		key := day.Format(dayFormat)
		b := bucket(key)

		if sale.TotalAmount != nil {
			b.sales += *sale.TotalAmount
		}

		for _, line := range sale.Items {
			revenue := line.Price * float64(line.Quantity)

			name := fmt.Sprintf("Item#%d", line.ItemID)
			cost := 0.0
			if stock, ok := items[line.ItemID]; ok {
				name = stock.Name
				cost = stock.BuyingPrice * float64(line.Quantity)
			}
			profit := revenue - cost

			if sale.TotalAmount == nil {
				b.sales += revenue
			}
			b.cost += cost
			b.profit += profit

			sold = append(sold, soldItem{
				name:    name,
				day:     day,
				qty:     line.Quantity,
				revenue: revenue,
				cost:    cost,
				profit:  profit,
			})
		}
	}

	// Zero-fill every day of the range so the chart arrays are contiguous
	// and chronological.
	dates := make([]string, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayFormat)
		dates = append(dates, key)
		bucket(key)
	}

	chartSales := make([]float64, len(dates))
	chartProfits := make([]float64, len(dates))
	chartExpenses := make([]float64, len(dates))
	for i, key := range dates {
		b := buckets[key]
		chartSales[i] = round2(b.sales)
		chartProfits[i] = round2(b.profit)
		chartExpenses[i] = round2(b.cost)
	}

	totalRevenue := 0.0
	totalProfit := 0.0
	for i := range dates {
		totalRevenue += chartSales[i]
		totalProfit += chartProfits[i]
	}
	margin := 0.0
	if totalRevenue != 0 {
		margin = totalProfit / totalRevenue * 100
	}

	todayKey := e.localDay(now).Format(dayFormat)

	return domain.ProfitAnalysis{
		TimeRange:      timeRange,
		StartDate:      start.Format(dayFormat),
		EndDate:        end.Format(dayFormat),
		Dates:          dates,
		Sales:          chartSales,
		Profits:        chartProfits,
		Expenses:       chartExpenses,
		TotalRevenue:   round2(totalRevenue),
		TotalProfit:    round2(totalProfit),
		ProfitMargin:   round1(margin),
		TopProducts:    topProducts(sold),
		MostSoldPerDay: mostSoldPerDay(sold),
		WeeklyTop:      topByPeriod(sold, weekKey),
		MonthlyTop:     topByPeriod(sold, monthKey),
		TodayDate:      e.localDay(now).Format("January 02, 2006"),
		TodayItems:     todayItems(sold, todayKey),
	}
}

// topProducts aggregates sold items by product name across the whole range
// and returns the ten most profitable.
func topProducts(sold []soldItem) []domain.ProductPerformance {
	stats := make(map[string]*domain.ProductPerformance)
	order := make([]string, 0, len(sold))
	for _, it := range sold {
		p, ok := stats[it.name]
		if !ok {
			p = &domain.ProductPerformance{Name: it.name}
			stats[it.name] = p
			order = append(order, it.name)
		}
		p.QuantitySold += it.qty
		p.Revenue += it.revenue
		p.Profit += it.profit
	}

	list := make([]domain.ProductPerformance, 0, len(order))
	for _, name := range order {
		p := *stats[name]
		if p.Revenue != 0 {
			p.Margin = round1(p.Profit / p.Revenue * 100)
		}
		p.Revenue = round2(p.Revenue)
		p.Profit = round2(p.Profit)
		list = append(list, p)
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].Profit > list[j].Profit })
	if len(list) > 10 {
		list = list[:10]
	}
	return list
}

// mostSoldPerDay picks, for each local day with sales, the product with the
// highest summed quantity. Ties go to the product seen first that day.
func mostSoldPerDay(sold []soldItem) map[string]string {
	counts := make(map[string]map[string]int)
	order := make(map[string][]string)
	for _, it := range sold {
		key := it.day.Format(dayFormat)
		if counts[key] == nil {
			counts[key] = make(map[string]int)
		}
		if _, seen := counts[key][it.name]; !seen {
			order[key] = append(order[key], it.name)
		}
		counts[key][it.name] += it.qty
	}

	result := make(map[string]string, len(counts))
	for key, names := range order {
		best := ""
		bestQty := -1
		for _, name := range names {
			if qty := counts[key][name]; qty > bestQty {
				best = name
				bestQty = qty
			}
		}
		result[key] = best
	}
	return result
}

func weekKey(day time.Time) string {
	year, week := day.ISOWeek()
	return fmt.Sprintf("%d-W%d", year, week)
}

func monthKey(day time.Time) string {
	return day.Format("2006-01")
}

// topByPeriod aggregates quantity by (period, product), sums each product
// across all periods in range and reports the single highest. Returns
// "N/A"/0 when nothing was sold.
func topByPeriod(sold []soldItem, period func(time.Time) string) domain.TopProductSummary {
	type periodProduct struct {
		period string
		name   string
	}
	byPeriod := make(map[periodProduct]int)
	for _, it := range sold {
		byPeriod[periodProduct{period(it.day), it.name}] += it.qty
	}

	totals := make(map[string]int)
	order := make([]string, 0, len(byPeriod))
	for _, it := range sold {
		if _, seen := totals[it.name]; !seen {
			totals[it.name] = 0
			order = append(order, it.name)
		}
	}
	for key, qty := range byPeriod {
		totals[key.name] += qty
	}

	top := domain.TopProductSummary{Name: "N/A"}
	for _, name := range order {
		if totals[name] > top.Quantity {
			top = domain.TopProductSummary{Name: name, Quantity: totals[name]}
		}
	}
	return top
}

// todayItems groups items sold on the current local day by product name,
// with a derived average unit price.
func todayItems(sold []soldItem, todayKey string) []domain.TodayItem {
	stats := make(map[string]*domain.TodayItem)
	order := make([]string, 0, 8)
	for _, it := range sold {
		if it.day.Format(dayFormat) != todayKey {
			continue
		}
		entry, ok := stats[it.name]
		if !ok {
			entry = &domain.TodayItem{Name: it.name}
			stats[it.name] = entry
			order = append(order, it.name)
		}
		entry.Quantity += it.qty
		entry.Revenue += it.revenue
		entry.Profit += it.profit
	}

	list := make([]domain.TodayItem, 0, len(order))
	for _, name := range order {
		entry := *stats[name]
		if entry.Quantity > 0 {
			entry.UnitPrice = round2(entry.Revenue / float64(entry.Quantity))
		}
		entry.Revenue = round2(entry.Revenue)
		entry.Profit = round2(entry.Profit)
		list = append(list, entry)
	}
	return list
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
