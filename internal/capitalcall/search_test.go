package capitalcall

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestWhereClauseEmpty(t *testing.T) {
	where, args := whereClause(SearchFilters{})
	assert.Equal(t, " WHERE 1=1", where)
	assert.Empty(t, args)
}

func TestWhereClauseFilters(t *testing.T) {
	yes := true
	from := NewDate(2024, time.January, 1)
	where, args := whereClause(SearchFilters{
		ClientName:     "Acme_50%",
		AleBatchID:     "ALE-00",
		WorkflowStatus: StatusSubmitted,
		Currency:       "eur",
		FromDate:       &from,
		AmountMin:      decPtr("100"),
		HasAlert:       &yes,
	})

	assert.Equal(t,
		" WHERE 1=1 AND LOWER(client_name) LIKE ? AND ale_batch_id LIKE ? AND currency = ?"+
			" AND workflow_status = ? AND from_date >= ? AND total_amount >= ? AND has_alert = ?",
		where)
	assert.Equal(t, []any{`%acme\_50\%%`, "%ALE-00%", "EUR", "SUBMITTED", from.Time, "100", true}, args)
}

func TestOrderClause(t *testing.T) {
	assert.Equal(t, " ORDER BY id ASC", orderClause("id", SortAsc))
	assert.Equal(t, " ORDER BY id DESC", orderClause("id", SortDesc))
	assert.Equal(t, " ORDER BY client_name DESC, id ASC", orderClause("clientName", SortDesc))
	assert.Equal(t, " ORDER BY id ASC", orderClause("; DROP TABLE x", SortAsc))
}
