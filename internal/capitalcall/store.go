package capitalcall

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ALE-backend/internal/platform/db"
)

type Store struct{ db *sql.DB }

func NewStore(conn *sql.DB) *Store { return &Store{db: conn} }

const ccColumns = `id, ale_batch_id, client_name, asset_description, account_id, asset_id, account_type,
	toe_reference, day_type, from_date, to_date, total_amount, currency, queue, workflow_status,
	is_sensitive, has_alert, ssi_verified, fund_document_received, client_instruction_received,
	locked_by, locked_at, created_by, created_at, modified_by, modified_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapitalCall(r rowScanner) (*CapitalCall, error) {
	var (
		cc                                                    CapitalCall
		assetDesc, accountID, assetID, accountType, toe, dayT sql.NullString
		from, to, lockedAt, modifiedAt                        sql.NullTime
		lockedBy, modifiedBy                                  sql.NullString
	)
	if err := r.Scan(
		&cc.ID, &cc.AleBatchID, &cc.ClientName, &assetDesc, &accountID, &assetID, &accountType,
		&toe, &dayT, &from, &to, &cc.TotalAmount, &cc.Currency, &cc.Queue, &cc.WorkflowStatus,
		&cc.IsSensitive, &cc.HasAlert, &cc.SSIVerified, &cc.FundDocumentReceived, &cc.ClientInstructionReceived,
		&lockedBy, &lockedAt, &cc.CreatedBy, &cc.CreatedAt, &modifiedBy, &modifiedAt, &cc.Version,
	); err != nil {
		return nil, err
	}
	cc.AssetDescription = assetDesc.String
	cc.AccountID = accountID.String
	cc.AssetID = assetID.String
	cc.AccountType = accountType.String
	cc.ToeReference = toe.String
	cc.DayType = dayT.String
	cc.FromDate = dateOrNil(from)
	cc.ToDate = dateOrNil(to)
	// locked_by と locked_at は片方だけ入ることはない（CHECK制約）
	if lockedBy.Valid && lockedAt.Valid {
		cc.LockedBy = &lockedBy.String
		t := lockedAt.Time.UTC()
		cc.LockedAt = &t
	}
	if modifiedBy.Valid {
		cc.ModifiedBy = &modifiedBy.String
	}
	if modifiedAt.Valid {
		t := modifiedAt.Time.UTC()
		cc.ModifiedAt = &t
	}
	cc.CreatedAt = cc.CreatedAt.UTC()
	return &cc, nil
}

func dateOrNil(t sql.NullTime) *Date {
	if !t.Valid {
		return nil
	}
	d := NewDate(t.Time.Year(), t.Time.Month(), t.Time.Day())
	return &d
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullDate(d *Date) any {
	if d == nil {
		return nil
	}
	return d.Time
}

func nullStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var errConcurrentWrite = &APIError{Code: CodeStaleVersion, Message: "capital call was modified concurrently"}

// ===== 検索 =====

func (s *Store) Search(ctx context.Context, f SearchFilters, sortField string, dir SortDirection, limit, offset int) ([]CapitalCall, int64, error) {
	where, args := whereClause(f)

	q := "SELECT " + ccColumns + " FROM capital_calls" + where + orderClause(sortField, dir) + " LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, q, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	list := []CapitalCall{}
	for rows.Next() {
		cc, err := scanCapitalCall(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *cc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM capital_calls"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ===== 単票 =====

// Get は行を取得する。forUpdate なら行ロック（トランザクション内で使う）。
func (s *Store) Get(ctx context.Context, q db.DBTX, id int64, forUpdate bool) (*CapitalCall, error) {
	query := "SELECT " + ccColumns + " FROM capital_calls WHERE id = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	cc, err := scanCapitalCall(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound("capital call not found")
	}
	if err != nil {
		return nil, err
	}
	return cc, nil
}

func (s *Store) Insert(ctx context.Context, q db.DBTX, cc *CapitalCall) error {
	const query = `
	INSERT INTO capital_calls
	(ale_batch_id, client_name, asset_description, account_id, asset_id, account_type, toe_reference, day_type,
	 from_date, to_date, total_amount, currency, queue, workflow_status,
	 is_sensitive, has_alert, ssi_verified, fund_document_received, client_instruction_received,
	 locked_by, locked_at, created_by, created_at, version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query,
		cc.AleBatchID, cc.ClientName, nullStr(cc.AssetDescription), nullStr(cc.AccountID), nullStr(cc.AssetID),
		nullStr(cc.AccountType), nullStr(cc.ToeReference), nullStr(cc.DayType),
		nullDate(cc.FromDate), nullDate(cc.ToDate), cc.TotalAmount.StringFixed(2), cc.Currency, string(cc.Queue), string(cc.WorkflowStatus),
		cc.IsSensitive, cc.HasAlert, cc.SSIVerified, cc.FundDocumentReceived, cc.ClientInstructionReceived,
		nullStrPtr(cc.LockedBy), nullTimePtr(cc.LockedAt), cc.CreatedBy, cc.CreatedAt, cc.Version,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	cc.ID = id
	return nil
}

// UpdateContent は編集項目を書き換えて version を1つ進める
func (s *Store) UpdateContent(ctx context.Context, q db.DBTX, cc *CapitalCall, expectedVersion int64) error {
	const query = `
	UPDATE capital_calls SET
	  ale_batch_id = ?, client_name = ?, asset_description = ?, account_id = ?, asset_id = ?, account_type = ?,
	  toe_reference = ?, day_type = ?, from_date = ?, to_date = ?, total_amount = ?, currency = ?, queue = ?,
	  is_sensitive = ?, has_alert = ?, ssi_verified = ?, fund_document_received = ?, client_instruction_received = ?,
	  modified_by = ?, modified_at = ?, version = version + 1
	WHERE id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query,
		cc.AleBatchID, cc.ClientName, nullStr(cc.AssetDescription), nullStr(cc.AccountID), nullStr(cc.AssetID),
		nullStr(cc.AccountType), nullStr(cc.ToeReference), nullStr(cc.DayType),
		nullDate(cc.FromDate), nullDate(cc.ToDate), cc.TotalAmount.StringFixed(2), cc.Currency, string(cc.Queue),
		cc.IsSensitive, cc.HasAlert, cc.SSIVerified, cc.FundDocumentReceived, cc.ClientInstructionReceived,
		nullStrPtr(cc.ModifiedBy), nullTimePtr(cc.ModifiedAt),
		cc.ID, expectedVersion,
	)
	return expectOneRow(res, err)
}

// UpdateStatus は状態を遷移させ、ロックを外し、version を1つ進める
func (s *Store) UpdateStatus(ctx context.Context, q db.DBTX, id int64, to WorkflowStatus, actor string, now time.Time, expectedVersion int64) error {
	const query = `
	UPDATE capital_calls
	SET workflow_status = ?, locked_by = NULL, locked_at = NULL,
	    modified_by = ?, modified_at = ?, version = version + 1
	WHERE id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query, string(to), actor, now, id, expectedVersion)
	return expectOneRow(res, err)
}

// SetLock はロック列のみ更新する（version は変えない）
func (s *Store) SetLock(ctx context.Context, q db.DBTX, id int64, holder *string, at *time.Time) error {
	const query = `UPDATE capital_calls SET locked_by = ?, locked_at = ? WHERE id = ?`
	_, err := q.ExecContext(ctx, query, nullStrPtr(holder), nullTimePtr(at), id)
	return err
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errConcurrentWrite
	}
	return nil
}

// ===== 内訳 =====

func (s *Store) ListBreakdowns(ctx context.Context, q db.DBTX, id int64) ([]Breakdown, error) {
	const query = `
	SELECT id, category, percentage, calculated_amount
	FROM capital_call_breakdowns WHERE capital_call_id = ? ORDER BY id`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Breakdown{}
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.ID, &b.Category, &b.Percentage, &b.CalculatedAmount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReplaceBreakdowns は既存の内訳を消して入れ直す
func (s *Store) ReplaceBreakdowns(ctx context.Context, q db.DBTX, id int64, bds []Breakdown) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM capital_call_breakdowns WHERE capital_call_id = ?`, id); err != nil {
		return err
	}
	const ins = `
	INSERT INTO capital_call_breakdowns (capital_call_id, category, percentage, calculated_amount)
	VALUES (?, ?, ?, ?)`
	for i := range bds {
		res, err := q.ExecContext(ctx, ins, id, string(bds[i].Category), bds[i].Percentage.StringFixed(2), bds[i].CalculatedAmount.StringFixed(2))
		if err != nil {
			return err
		}
		if bid, err := res.LastInsertId(); err == nil {
			bds[i].ID = bid
		}
	}
	return nil
}

// ===== 監査・コメント =====

func (s *Store) InsertAudit(ctx context.Context, q db.DBTX, a AuditEntry) error {
	const query = `
	INSERT INTO capital_call_audit (id, capital_call_id, action, actor, from_status, to_status, reason, version, occurred_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		a.ID, a.CapitalCallID, string(a.Action), a.Actor,
		nullStr(string(a.FromStatus)), nullStr(string(a.ToStatus)), nullStr(a.Reason),
		a.Version, a.OccurredAt,
	)
	return err
}

func (s *Store) ListAudit(ctx context.Context, q db.DBTX, id int64) ([]AuditEntry, error) {
	const query = `
	SELECT id, capital_call_id, action, actor, from_status, to_status, reason, version, occurred_at
	FROM capital_call_audit WHERE capital_call_id = ? ORDER BY occurred_at, id`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []AuditEntry{}
	for rows.Next() {
		var (
			a                AuditEntry
			from, to, reason sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CapitalCallID, &a.Action, &a.Actor, &from, &to, &reason, &a.Version, &a.OccurredAt); err != nil {
			return nil, err
		}
		a.FromStatus = WorkflowStatus(from.String)
		a.ToStatus = WorkflowStatus(to.String)
		a.Reason = reason.String
		a.OccurredAt = a.OccurredAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertComment(ctx context.Context, q db.DBTX, id int64, c Comment) error {
	const query = `
	INSERT INTO capital_call_comments (id, capital_call_id, text, created_by, created_at)
	VALUES (?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, c.ID, id, c.Text, c.CreatedBy, c.CreatedAt)
	return err
}

func (s *Store) ListComments(ctx context.Context, q db.DBTX, id int64) ([]Comment, error) {
	const query = `
	SELECT id, text, created_by, created_at
	FROM capital_call_comments WHERE capital_call_id = ? ORDER BY created_at, id`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.Text, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ===== 件数集計用 =====

// WorkingSet は集計に必要な列だけを返す。queue が空なら全件。
func (s *Store) WorkingSet(ctx context.Context, queue Queue) ([]CountRow, error) {
	query := `
	SELECT id, queue, workflow_status, is_sensitive, has_alert,
	       ssi_verified, fund_document_received, client_instruction_received
	FROM capital_calls`
	args := []any{}
	if queue != "" {
		query += " WHERE queue = ?"
		args = append(args, string(queue))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CountRow{}
	for rows.Next() {
		var r CountRow
		if err := rows.Scan(&r.ID, &r.Queue, &r.Status, &r.IsSensitive, &r.HasAlert,
			&r.SSIVerified, &r.FundDocumentReceived, &r.ClientInstructionReceived); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
