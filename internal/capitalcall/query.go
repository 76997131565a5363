package capitalcall

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
	DefaultSort     = "id"
)

type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// 画面の列名 → DB列名。ここに無い列ではソートさせない。
var sortColumns = map[string]string{
	"id":             "id",
	"aleBatchId":     "ale_batch_id",
	"clientName":     "client_name",
	"accountId":      "account_id",
	"assetId":        "asset_id",
	"currency":       "currency",
	"totalAmount":    "total_amount",
	"fromDate":       "from_date",
	"toDate":         "to_date",
	"queue":          "queue",
	"workflowStatus": "workflow_status",
	"createdAt":      "created_at",
	"modifiedAt":     "modified_at",
}

func SortFields() []string {
	out := make([]string, 0, len(sortColumns))
	for k := range sortColumns {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// SearchFilters は検索条件。未知のキーは受け付けない。
type SearchFilters struct {
	ClientName     string           `json:"clientName,omitempty"`
	AccountID      string           `json:"accountId,omitempty"`
	AssetID        string           `json:"assetId,omitempty"`
	AccountType    string           `json:"accountType,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	AleBatchID     string           `json:"aleBatchId,omitempty"`
	ToeReference   string           `json:"toeReference,omitempty"`
	DayType        string           `json:"dayType,omitempty"`
	WorkflowStatus WorkflowStatus   `json:"workflowStatus,omitempty"`
	Queue          Queue            `json:"queue,omitempty"`
	FromDate       *Date            `json:"fromDate,omitempty"`
	ToDate         *Date            `json:"toDate,omitempty"`
	AmountMin      *decimal.Decimal `json:"amountMin,omitempty"`
	AmountMax      *decimal.Decimal `json:"amountMax,omitempty"`
	IsSensitive    *bool            `json:"isSensitive,omitempty"`
	HasAlert       *bool            `json:"hasAlert,omitempty"`
	LockedBy       string           `json:"lockedBy,omitempty"`
}

func (f SearchFilters) Validate() error {
	if f.WorkflowStatus != "" && !f.WorkflowStatus.Valid() {
		return ErrInvalid(fmt.Sprintf("unknown workflowStatus %q", f.WorkflowStatus))
	}
	if f.Queue != "" && !f.Queue.Valid() {
		return ErrInvalid(fmt.Sprintf("unknown queue %q", f.Queue))
	}
	if f.FromDate != nil && f.ToDate != nil && f.FromDate.After(f.ToDate.Time) {
		return ErrInvalid("fromDate must not be after toDate")
	}
	if f.AmountMin != nil && f.AmountMax != nil && f.AmountMin.GreaterThan(*f.AmountMax) {
		return ErrInvalid("amountMin must not exceed amountMax")
	}
	return nil
}

// SearchQuery は1回の検索要求
type SearchQuery struct {
	Filters       SearchFilters `json:"filters"`
	Page          int           `json:"page"`
	PageSize      int           `json:"pageSize"`
	SortField     string        `json:"sortField"`
	SortDirection SortDirection `json:"sortDirection"`
}

// Normalize は既定値を埋め、範囲外を INVALID_ARGUMENT にする
func (q SearchQuery) Normalize() (SearchQuery, error) {
	if q.Page < 0 {
		return q, ErrInvalid("page must be >= 0")
	}
	switch {
	case q.PageSize == 0:
		q.PageSize = DefaultPageSize
	case q.PageSize < 0 || q.PageSize > MaxPageSize:
		return q, ErrInvalid(fmt.Sprintf("pageSize must be between 1 and %d", MaxPageSize))
	}
	field, dir, err := normalizeSort(q.SortField, q.SortDirection)
	if err != nil {
		return q, err
	}
	q.SortField, q.SortDirection = field, dir
	if err := q.Filters.Validate(); err != nil {
		return q, err
	}
	return q, nil
}

func normalizeSort(field string, dir SortDirection) (string, SortDirection, error) {
	if field == "" {
		field = DefaultSort
	}
	if _, ok := sortColumns[field]; !ok {
		return "", "", ErrInvalid(fmt.Sprintf("cannot sort by %q", field))
	}
	switch SortDirection(strings.ToUpper(string(dir))) {
	case "", SortAsc:
		dir = SortAsc
	case SortDesc:
		dir = SortDesc
	default:
		return "", "", ErrInvalid(fmt.Sprintf("sortDirection must be ASC or DESC, got %q", dir))
	}
	return field, dir, nil
}

// DecodeStrict は未知フィールドを拒否して JSON を読む
func DecodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ErrInvalid(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return ErrInvalid("invalid request body: trailing data")
	}
	return nil
}

// ===== SearchQueryState =====

// SearchQueryState はセッションごとの検索条件。IOを持たない。
// 並行利用する場合は呼び出し側で排他する。
type SearchQueryState struct {
	filters    SearchFilters
	page       int
	pageSize   int
	sortField  string
	sortDir    SortDirection
	totalPages int // 0 = 未取得
}

func NewSearchQueryState(pageSize int) *SearchQueryState {
	s := &SearchQueryState{pageSize: clampPageSize(pageSize)}
	s.Reset()
	return s
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// SetFilters は条件を丸ごと置き換えて先頭ページに戻す
func (s *SearchQueryState) SetFilters(f SearchFilters) {
	s.filters = f
	s.page = 0
	s.totalPages = 0
}

// PatchFilters は条件の一部を書き換えて先頭ページに戻す
func (s *SearchQueryState) PatchFilters(fn func(*SearchFilters)) {
	fn(&s.filters)
	s.page = 0
	s.totalPages = 0
}

// SetPage は [0, totalPages-1] に丸める。総ページ数が未取得なら下限のみ。
func (s *SearchQueryState) SetPage(n int) {
	if s.totalPages > 0 && n > s.totalPages-1 {
		n = s.totalPages - 1
	}
	if n < 0 {
		n = 0
	}
	s.page = n
}

func (s *SearchQueryState) SetSort(field string, dir SortDirection) {
	s.sortField = field
	s.sortDir = dir
	s.page = 0
	s.totalPages = 0
}

func (s *SearchQueryState) SetPageSize(n int) {
	s.pageSize = clampPageSize(n)
	s.page = 0
	s.totalPages = 0
}

// Reset: 条件なし、id 昇順、先頭ページ
func (s *SearchQueryState) Reset() {
	s.filters = SearchFilters{}
	s.sortField = DefaultSort
	s.sortDir = SortAsc
	s.page = 0
	s.totalPages = 0
}

// Observe は直近に取得したページの総ページ数を記録する
func (s *SearchQueryState) Observe(totalPages int) {
	s.totalPages = totalPages
}

func (s *SearchQueryState) Query() SearchQuery {
	return SearchQuery{
		Filters:       s.filters,
		Page:          s.page,
		PageSize:      s.pageSize,
		SortField:     s.sortField,
		SortDirection: s.sortDir,
	}
}

// ===== ResultPage =====

// ResultPage は検索結果の1ページ。生成後は変更されない。
type ResultPage[T any] struct {
	items         []T
	currentPage   int
	pageSize      int
	totalElements int64
	totalPages    int
}

func NewResultPage[T any](items []T, page, size int, total int64) ResultPage[T] {
	return ResultPage[T]{
		items:         slices.Clone(items),
		currentPage:   page,
		pageSize:      size,
		totalElements: total,
		totalPages:    TotalPages(total, size),
	}
}

// TotalPages = ceil(total/size)、最低 1
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 1
	}
	return int((total + int64(size) - 1) / int64(size))
}

func (p ResultPage[T]) Items() []T           { return slices.Clone(p.items) }
func (p ResultPage[T]) Len() int             { return len(p.items) }
func (p ResultPage[T]) CurrentPage() int     { return p.currentPage }
func (p ResultPage[T]) PageSize() int        { return p.pageSize }
func (p ResultPage[T]) TotalElements() int64 { return p.totalElements }
func (p ResultPage[T]) TotalPages() int      { return p.totalPages }

type resultPageWire[T any] struct {
	Content       []T   `json:"content"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
}

func (p ResultPage[T]) MarshalJSON() ([]byte, error) {
	items := p.items
	if items == nil {
		items = []T{}
	}
	return json.Marshal(resultPageWire[T]{
		Content:       items,
		Number:        p.currentPage,
		Size:          p.pageSize,
		TotalElements: p.totalElements,
		TotalPages:    p.totalPages,
	})
}

// UnmarshalJSON は totalPages を受信値ではなく total/size から再計算する
func (p *ResultPage[T]) UnmarshalJSON(b []byte) error {
	var w resultPageWire[T]
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = NewResultPage(w.Content, w.Number, w.Size, w.TotalElements)
	return nil
}
