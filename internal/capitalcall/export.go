package capitalcall

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"ALE-backend/internal/platform/auth"
)

const exportSheet = "CapitalCalls"

var exportHeader = []any{
	"ID", "ALE Batch ID", "Client Name", "Account ID", "Asset ID", "Account Type",
	"TOE Reference", "Day Type", "From Date", "To Date", "Currency", "Total Amount",
	"Queue", "Workflow Status", "Sensitive", "Alert", "Locked By", "Version", "Modified At",
}

// Export は検索条件に合う案件を xlsx で w に書き出し、書いた行数を返す。
// ページングせず exportMaxRows 件までを対象にする。
func (s *Service) Export(ctx context.Context, actor auth.Actor, req ExportRequest, w io.Writer) (int, error) {
	if err := requireRule(actor, auth.RuleExport); err != nil {
		return 0, err
	}
	field, dir, err := normalizeSort(req.SortField, req.SortDirection)
	if err != nil {
		return 0, err
	}
	if err := req.Filters.Validate(); err != nil {
		return 0, err
	}
	items, total, err := s.store.Search(ctx, req.Filters, field, dir, s.exportMaxRows, 0)
	if err != nil {
		return 0, err
	}
	if total > int64(s.exportMaxRows) {
		s.log.Warn("export truncated", "total", total, "max_rows", s.exportMaxRows, "actor", actor.ID)
	}
	if err := writeWorkbook(w, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func writeWorkbook(w io.Writer, items []CapitalCall) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return err
	}
	for i, cc := range items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, exportRow(cc)); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func exportRow(cc CapitalCall) []any {
	str := func(d *Date) string {
		if d == nil {
			return ""
		}
		return d.String()
	}
	lockedBy := ""
	if cc.LockedBy != nil {
		lockedBy = *cc.LockedBy
	}
	modified := ""
	if cc.ModifiedAt != nil {
		modified = cc.ModifiedAt.Format("2006-01-02 15:04:05")
	}
	amount, _ := cc.TotalAmount.Float64()
	return []any{
		cc.ID, cc.AleBatchID, cc.ClientName, cc.AccountID, cc.AssetID, cc.AccountType,
		cc.ToeReference, cc.DayType, str(cc.FromDate), str(cc.ToDate), cc.Currency, amount,
		string(cc.Queue), string(cc.WorkflowStatus), cc.IsSensitive, cc.HasAlert, lockedBy, cc.Version, modified,
	}
}
