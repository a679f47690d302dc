package pipeline

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"

	"savery/internal"
)

const (
	statusPurchased  = "purchased"
	statusUnassigned = "unassigned"
)

func ExportPlanToXLSX(planID string, result internal.OptimizationOutput, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	headers := []string{
		"plan_id", "status", "sequence", "store_id", "store_name", "leg_km",
		"item", "requested_qty", "requested_unit", "normalized_qty", "normalized_unit",
		"product_id", "product_name", "packages", "line_cost", "currency",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	r := 1
	row := func(values ...any) {
		r++
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, r)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	for _, store := range result.Stores {
		for _, item := range store.Items {
			row(
				planID, statusPurchased, store.Sequence, store.StoreID, store.StoreName, derefFloat(store.DistanceKM),
				item.ListItem.Name, derefFloat(item.ListItem.Quantity), derefString(item.ListItem.Unit),
				derefFloat(item.ListItem.NormalizedQuantity), derefString(item.ListItem.NormalizedUnit),
				derefString(item.ProductID), derefString(item.ProductName), derefFloat(item.Quantity),
				derefFloat(item.Price), item.Currency,
			)
		}
	}
	for _, item := range result.Unassigned {
		row(
			planID, statusUnassigned, "", "", "", "",
			item.Name, derefFloat(item.Quantity), derefString(item.Unit),
			derefFloat(item.NormalizedQuantity), derefString(item.NormalizedUnit),
		)
	}
	row(planID, "total", "", "", "", derefFloat(result.TotalDistanceKM),
		"", "", "", "", "", "", "", "", derefFloat(result.TotalCost), result.Currency)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return eris.Wrapf(err, "export: create dir for %s", outputPath)
	}
	return eris.Wrapf(f.SaveAs(outputPath), "export: save %s", outputPath)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
