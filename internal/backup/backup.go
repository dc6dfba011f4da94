// Package backup writes sales history to CSV before a destructive reset.
package backup

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dukapos/backend/internal/domain"
)

var header = []string{
	"sale_id", "date", "total_amount", "payment_method", "mpesa_code",
	"created_by", "item_name", "quantity", "price",
}

// Writer exports sales to timestamped CSV files in a fixed directory.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "."
	}
	return &Writer{dir: dir}
}

// Export writes one row per sale item, repeating the sale columns. A sale
// with no items still gets a single row so no revenue disappears from the
// backup. Returns the file name of the backup.
func (w *Writer) Export(sales []domain.Sale, items map[int64]domain.StockItem, now time.Time) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := "sales_backup_" + now.Format("20060102_150405") + ".csv"
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return "", err
	}

	for _, sale := range sales {
		base := []string{
			strconv.FormatInt(sale.ID, 10),
			sale.Date.UTC().Format("2006-01-02 15:04:05"),
			formatAmount(sale.TotalAmount),
			sale.PaymentMethod,
			sale.MpesaCode,
			sale.CreatedBy,
		}
		if len(sale.Items) == 0 {
			if err := cw.Write(append(base, "", "", "")); err != nil {
				return "", err
			}
			continue
		}
		for _, line := range sale.Items {
			row := append(append([]string{}, base...),
				itemName(items, line.ItemID),
				strconv.Itoa(line.Quantity),
				strconv.FormatFloat(line.Price, 'f', 2, 64),
			)
			if err := cw.Write(row); err != nil {
				return "", err
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

func formatAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func itemName(items map[int64]domain.StockItem, id int64) string {
	if item, ok := items[id]; ok {
		return item.Name
	}
	return fmt.Sprintf("Item#%d", id)
}
