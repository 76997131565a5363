package capitalcall

import (
	"time"

	"github.com/shopspring/decimal"
)

type BreakdownInput struct {
	Category   BreakdownCategory `json:"category" binding:"required"`
	Percentage decimal.Decimal   `json:"percentage"`
}

// Content は作成・更新で受け付ける編集可能項目
type Content struct {
	AleBatchID                string           `json:"aleBatchId" binding:"required"`
	ClientName                string           `json:"clientName" binding:"required"`
	AssetDescription          string           `json:"assetDescription"`
	AccountID                 string           `json:"accountId"`
	AssetID                   string           `json:"assetId"`
	AccountType               string           `json:"accountType"`
	ToeReference              string           `json:"toeReference"`
	DayType                   string           `json:"dayType"`
	FromDate                  *Date            `json:"fromDate"`
	ToDate                    *Date            `json:"toDate"`
	TotalAmount               decimal.Decimal  `json:"totalAmount"`
	Currency                  string           `json:"currency" binding:"required"`
	Queue                     Queue            `json:"queue"`
	IsSensitive               bool             `json:"isSensitive"`
	HasAlert                  bool             `json:"hasAlert"`
	SSIVerified               bool             `json:"ssiVerified"`
	FundDocumentReceived      bool             `json:"fundDocumentReceived"`
	ClientInstructionReceived bool             `json:"clientInstructionReceived"`
	Breakdowns                []BreakdownInput `json:"breakdowns"`
}

type CreateRequest = Content

type UpdateRequest struct {
	Version int64 `json:"version" binding:"required,min=1"`
	Content
}

type TransitionRequest struct {
	Version int64 `json:"version" binding:"required,min=1"`
}

type RejectRequest struct {
	Version int64  `json:"version" binding:"required,min=1"`
	Reason  string `json:"reason" binding:"required"`
}

type CommentRequest struct {
	Text string `json:"text" binding:"required"`
}

type ExportRequest struct {
	Filters       SearchFilters `json:"filters"`
	SortField     string        `json:"sortField"`
	SortDirection SortDirection `json:"sortDirection"`
}

type ActionsResponse struct {
	ItemID  int64    `json:"itemId"`
	Actions []Action `json:"actions"`
}

// ErrorBody は全APIのエラー応答
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code          Code       `json:"code"`
	Message       string     `json:"message"`
	Holder        string     `json:"holder,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

func (b ErrorBody) APIError() *APIError {
	return &APIError{Code: b.Error.Code, Message: b.Error.Message, Holder: b.Error.Holder, Since: b.Error.Since}
}
