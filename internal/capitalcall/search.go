package capitalcall

import (
	"strings"
)

// whereClause は SearchFilters から WHERE 句と引数を組み立てる（先頭は " WHERE 1=1"）
func whereClause(f SearchFilters) (string, []any) {
	var sb strings.Builder
	args := []any{}

	sb.WriteString(" WHERE 1=1")

	like := func(col, v string) {
		if v == "" {
			return
		}
		sb.WriteString(" AND " + col + " LIKE ?")
		args = append(args, "%"+escapeLike(v)+"%")
	}
	eq := func(col string, v any) {
		sb.WriteString(" AND " + col + " = ?")
		args = append(args, v)
	}

	if f.ClientName != "" {
		sb.WriteString(" AND LOWER(client_name) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(f.ClientName))+"%")
	}
	like("ale_batch_id", f.AleBatchID)
	like("toe_reference", f.ToeReference)
	if f.AccountID != "" {
		eq("account_id", f.AccountID)
	}
	if f.AssetID != "" {
		eq("asset_id", f.AssetID)
	}
	if f.AccountType != "" {
		eq("account_type", f.AccountType)
	}
	if f.Currency != "" {
		eq("currency", strings.ToUpper(f.Currency))
	}
	if f.DayType != "" {
		eq("day_type", f.DayType)
	}
	if f.WorkflowStatus != "" {
		eq("workflow_status", string(f.WorkflowStatus))
	}
	if f.Queue != "" {
		eq("queue", string(f.Queue))
	}
	if f.LockedBy != "" {
		eq("locked_by", f.LockedBy)
	}
	if f.FromDate != nil {
		sb.WriteString(" AND from_date >= ?")
		args = append(args, f.FromDate.Time)
	}
	if f.ToDate != nil {
		sb.WriteString(" AND to_date <= ?")
		args = append(args, f.ToDate.Time)
	}
	if f.AmountMin != nil {
		sb.WriteString(" AND total_amount >= ?")
		args = append(args, f.AmountMin.String())
	}
	if f.AmountMax != nil {
		sb.WriteString(" AND total_amount <= ?")
		args = append(args, f.AmountMax.String())
	}
	if f.IsSensitive != nil {
		eq("is_sensitive", *f.IsSensitive)
	}
	if f.HasAlert != nil {
		eq("has_alert", *f.HasAlert)
	}

	return sb.String(), args
}

// orderClause: 同順位は id 昇順で固定し、同じ条件なら常に同じ並びにする
func orderClause(field string, dir SortDirection) string {
	col, ok := sortColumns[field]
	if !ok {
		col = "id"
	}
	order := "ASC"
	if dir == SortDesc {
		order = "DESC"
	}
	if col == "id" {
		return " ORDER BY id " + order
	}
	return " ORDER BY " + col + " " + order + ", id ASC"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
