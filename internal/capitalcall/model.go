package capitalcall

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type WorkflowStatus string

const (
	StatusDraft     WorkflowStatus = "DRAFT"
	StatusSubmitted WorkflowStatus = "SUBMITTED"
	StatusApproved  WorkflowStatus = "APPROVED"
	StatusRejected  WorkflowStatus = "REJECTED"
)

func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type Queue string

const (
	QueueSSIVerification Queue = "SSI_VERIFICATION"
	QueueReview          Queue = "REVIEW"
	QueueApproval        Queue = "APPROVAL"
	QueueCompleted       Queue = "COMPLETED"
	QueueRejected        Queue = "REJECTED"
)

func (q Queue) Valid() bool {
	switch q {
	case QueueSSIVerification, QueueReview, QueueApproval, QueueCompleted, QueueRejected:
		return true
	}
	return false
}

type BreakdownCategory string

const (
	CategoryManagementFees    BreakdownCategory = "MANAGEMENT_FEES"
	CategoryPerformanceFees   BreakdownCategory = "PERFORMANCE_FEES"
	CategoryOperatingExpenses BreakdownCategory = "OPERATING_EXPENSES"
	CategoryDistributions     BreakdownCategory = "DISTRIBUTIONS"
	CategoryOther             BreakdownCategory = "OTHER"
)

func (c BreakdownCategory) Valid() bool {
	switch c {
	case CategoryManagementFees, CategoryPerformanceFees, CategoryOperatingExpenses,
		CategoryDistributions, CategoryOther:
		return true
	}
	return false
}

// Date は時刻を持たない日付（JSON では "2006-01-02"）
type Date struct{ time.Time }

const dateLayout = "2006-01-02"

func NewDate(y int, m time.Month, d int) Date {
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	p, err := ParseDate(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = p
	return nil
}

// CapitalCall は capital_calls テーブルの1行（＋内訳）
type CapitalCall struct {
	ID                        int64           `json:"id"`
	AleBatchID                string          `json:"aleBatchId"`
	ClientName                string          `json:"clientName"`
	AssetDescription          string          `json:"assetDescription,omitempty"`
	AccountID                 string          `json:"accountId,omitempty"`
	AssetID                   string          `json:"assetId,omitempty"`
	AccountType               string          `json:"accountType,omitempty"`
	ToeReference              string          `json:"toeReference,omitempty"`
	DayType                   string          `json:"dayType,omitempty"`
	FromDate                  *Date           `json:"fromDate,omitempty"`
	ToDate                    *Date           `json:"toDate,omitempty"`
	TotalAmount               decimal.Decimal `json:"totalAmount"`
	Currency                  string          `json:"currency"`
	Queue                     Queue           `json:"queue"`
	WorkflowStatus            WorkflowStatus  `json:"workflowStatus"`
	IsSensitive               bool            `json:"isSensitive"`
	HasAlert                  bool            `json:"hasAlert"`
	SSIVerified               bool            `json:"ssiVerified"`
	FundDocumentReceived      bool            `json:"fundDocumentReceived"`
	ClientInstructionReceived bool            `json:"clientInstructionReceived"`
	LockedBy                  *string         `json:"lockedBy"`
	LockedAt                  *time.Time      `json:"lockedAt"`
	CreatedBy                 string          `json:"createdBy"`
	CreatedAt                 time.Time       `json:"createdAt"`
	ModifiedBy                *string         `json:"modifiedBy,omitempty"`
	ModifiedAt                *time.Time      `json:"modifiedAt,omitempty"`
	Version                   int64           `json:"version"`
	Breakdowns                []Breakdown     `json:"breakdowns,omitempty"`
}

type Breakdown struct {
	ID               int64             `json:"id,omitempty"`
	Category         BreakdownCategory `json:"category"`
	Percentage       decimal.Decimal   `json:"percentage"`
	CalculatedAmount decimal.Decimal   `json:"calculatedAmount"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type AuditAction string

const (
	AuditCreate      AuditAction = "CREATE"
	AuditUpdate      AuditAction = "UPDATE"
	AuditSubmit      AuditAction = "SUBMIT"
	AuditApprove     AuditAction = "APPROVE"
	AuditReject      AuditAction = "REJECT"
	AuditLock        AuditAction = "LOCK"
	AuditUnlock      AuditAction = "UNLOCK"
	AuditForceUnlock AuditAction = "FORCE_UNLOCK"
	AuditComment     AuditAction = "COMMENT"
)

type AuditEntry struct {
	ID            string         `json:"id"`
	CapitalCallID int64          `json:"capitalCallId"`
	Action        AuditAction    `json:"action"`
	Actor         string         `json:"actor"`
	FromStatus    WorkflowStatus `json:"fromStatus,omitempty"`
	ToStatus      WorkflowStatus `json:"toStatus,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Version       int64          `json:"version"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// CapitalCallDetails は詳細画面用（内訳・コメント・監査履歴・ロック・可能操作）
type CapitalCallDetails struct {
	CapitalCall
	Comments       []Comment    `json:"comments"`
	AuditTrail     []AuditEntry `json:"auditTrail"`
	Lock           LockStatus   `json:"lock"`
	AllowedActions []Action     `json:"allowedActions"`
}
