package capitalcall

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	batchIDPattern = regexp.MustCompile(`^ALE-\d{6}$`)
	hundred        = decimal.NewFromInt(100)
)

const (
	maxDateSpanDays = 365
	maxCommentLen   = 2000
	maxReasonLen    = 2000
)

// ValidatePercentages: 各要素 0..100、合計 100 以下
func ValidatePercentages(pcts []decimal.Decimal) error {
	sum := decimal.Zero
	for i, p := range pcts {
		if p.IsNegative() || p.GreaterThan(hundred) {
			return ErrInvalid(fmt.Sprintf("breakdowns[%d].percentage must be between 0 and 100", i))
		}
		sum = sum.Add(p)
	}
	if sum.GreaterThan(hundred) {
		return ErrInvalid(fmt.Sprintf("breakdown percentages sum to %s, must not exceed 100", sum.String()))
	}
	return nil
}

func percentagesOf[T any](items []T, pct func(T) decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(items))
	for i, it := range items {
		out[i] = pct(it)
	}
	return out
}

// normalize は前後空白を落とし、通貨コードを大文字にし、キュー未指定を REVIEW にする
func (c *Content) normalize() {
	c.AleBatchID = strings.TrimSpace(c.AleBatchID)
	c.ClientName = strings.TrimSpace(c.ClientName)
	c.AssetDescription = strings.TrimSpace(c.AssetDescription)
	c.AccountID = strings.TrimSpace(c.AccountID)
	c.AssetID = strings.TrimSpace(c.AssetID)
	c.AccountType = strings.TrimSpace(c.AccountType)
	c.ToeReference = strings.TrimSpace(c.ToeReference)
	c.DayType = strings.TrimSpace(c.DayType)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Queue == "" {
		c.Queue = QueueReview
	}
}

// Validate は作成・更新内容を検査する。最初に見つかった違反を返す。
func (c Content) Validate() error {
	if !batchIDPattern.MatchString(c.AleBatchID) {
		return ErrInvalid("aleBatchId must match ALE-NNNNNN")
	}
	if c.ClientName == "" {
		return ErrInvalid("clientName is required")
	}
	if !c.TotalAmount.IsPositive() {
		return ErrInvalid("totalAmount must be greater than 0")
	}
	if !c.TotalAmount.Equal(c.TotalAmount.Round(2)) {
		return ErrInvalid("totalAmount must have at most 2 decimal places")
	}
	if _, err := currency.ParseISO(c.Currency); err != nil {
		return ErrInvalid(fmt.Sprintf("currency %q is not an ISO 4217 code", c.Currency))
	}
	if !c.Queue.Valid() {
		return ErrInvalid(fmt.Sprintf("unknown queue %q", c.Queue))
	}
	if err := validateDateRange(c.FromDate, c.ToDate); err != nil {
		return err
	}
	if len(c.Breakdowns) == 0 {
		return ErrInvalid("at least one breakdown is required")
	}
	for i, b := range c.Breakdowns {
		if !b.Category.Valid() {
			return ErrInvalid(fmt.Sprintf("breakdowns[%d].category %q is unknown", i, b.Category))
		}
		// DECIMAL(5,2) で保存するので丸めると合計が変わる
		if !b.Percentage.Equal(b.Percentage.Round(2)) {
			return ErrInvalid(fmt.Sprintf("breakdowns[%d].percentage must have at most 2 decimal places", i))
		}
	}
	return ValidatePercentages(percentagesOf(c.Breakdowns, func(b BreakdownInput) decimal.Decimal { return b.Percentage }))
}

func validateDateRange(from, to *Date) error {
	if from == nil || to == nil {
		return nil
	}
	if from.After(to.Time) {
		return ErrInvalid("fromDate must not be after toDate")
	}
	if to.Sub(from.Time).Hours()/24 > float64(maxDateSpanDays) {
		return ErrInvalid(fmt.Sprintf("date range must not exceed %d days", maxDateSpanDays))
	}
	return nil
}

// calculatedAmount = round_half_up(total * pct / 100, 2)
func calculatedAmount(total, pct decimal.Decimal) decimal.Decimal {
	return total.Mul(pct).Div(hundred).Round(2)
}

func buildBreakdowns(total decimal.Decimal, in []BreakdownInput) []Breakdown {
	out := make([]Breakdown, len(in))
	for i, b := range in {
		out[i] = Breakdown{
			Category:         b.Category,
			Percentage:       b.Percentage,
			CalculatedAmount: calculatedAmount(total, b.Percentage),
		}
	}
	return out
}

// validateForSubmit は保存済み案件が提出可能かを見る
func validateForSubmit(cc *CapitalCall) error {
	if len(cc.Breakdowns) == 0 {
		return ErrInvalid("cannot submit without breakdowns")
	}
	if err := ValidatePercentages(percentagesOf(cc.Breakdowns, func(b Breakdown) decimal.Decimal { return b.Percentage })); err != nil {
		return err
	}
	return validateDateRange(cc.FromDate, cc.ToDate)
}
