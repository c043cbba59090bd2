package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sparlo/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const reportCols = `id,account_id,title,design_challenge,status,current_step,phase_progress,error_reason,chain_json,tokens_reserved,tokens_consumed,created_at,updated_at,cancelled_at`

func scanReport(scan func(dest ...any) error) (domain.Report, error) {
	var r domain.Report
	var errorReason, cancelledAt sql.NullString
	var chainJSON string
	err := scan(&r.ID, &r.AccountID, &r.Title, &r.DesignChallenge, &r.Status, &r.CurrentStep, &r.PhaseProgress,
		&errorReason, &chainJSON, &r.TokensReserved, &r.TokensConsumed, &r.CreatedAt, &r.UpdatedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if errorReason.Valid {
		r.ErrorReason = errorReason.String
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.String
	}
	if err := json.Unmarshal([]byte(chainJSON), &r.Chain); err != nil {
		return r, fmt.Errorf("report %s chain state: %w", r.ID, err)
	}
	if r.Chain.Stages == nil {
		r.Chain.Stages = map[string]json.RawMessage{}
	}
	return r, nil
}

func chainJSON(r domain.Report) (string, error) {
	b, err := json.Marshal(r.Chain)
	if err != nil {
		return "", fmt.Errorf("marshal chain state: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	chain, err := chainJSON(rep)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reports(`+reportCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.AccountID, rep.Title, rep.DesignChallenge, rep.Status, rep.CurrentStep, rep.PhaseProgress,
		nullable(rep.ErrorReason), chain, rep.TokensReserved, rep.TokensConsumed, rep.CreatedAt, rep.UpdatedAt,
		nullableStringPtr(rep.CancelledAt))
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id=?`, id)
	return scanReport(row.Scan)
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id=?`, id)
	return scanReport(row.Scan)
}

// ListReports returns reports for one account, optionally filtered by status,
// newest first.
func (r Repo) ListReports(ctx context.Context, accountID, status string) ([]domain.Report, error) {
	query := `SELECT ` + reportCols + ` FROM reports WHERE account_id=?`
	args := []any{accountID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// ReportsInStatus returns ids of reports currently in the given status,
// oldest first. Used by the runner to resume interrupted work.
func (r Repo) ReportsInStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM reports WHERE status=? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleProcessing returns ids of reports that have sat in processing without a
// heartbeat since before cutoff (RFC3339).
func (r Repo) StaleProcessing(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM reports WHERE status=? AND updated_at < ?`, domain.StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateReportTx writes back a report's mutable fields. The caller owns the
// status transition checks.
func (r Repo) UpdateReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	chain, err := chainJSON(rep)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET title=?, status=?, current_step=?, phase_progress=?, error_reason=?, chain_json=?, tokens_reserved=?, tokens_consumed=?, updated_at=?, cancelled_at=? WHERE id=?`,
		rep.Title, rep.Status, rep.CurrentStep, rep.PhaseProgress, nullable(rep.ErrorReason), chain,
		rep.TokensReserved, rep.TokensConsumed, rep.UpdatedAt, nullableStringPtr(rep.CancelledAt), rep.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumReservedTx sums tokens_reserved over the account's in-flight reports.
// Must run inside a write transaction so concurrent reservations serialize.
func (r Repo) SumReservedTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(domain.InFlightStatuses)), ",")
	args := []any{accountID}
	for _, s := range domain.InFlightStatuses {
		args = append(args, s)
	}
	var sum int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_reserved),0) FROM reports WHERE account_id=? AND status IN (`+placeholders+`)`,
		args...).Scan(&sum)
	return sum, err
}

// --- clarifications ---

const clarificationCols = `id,report_id,stage_id,question,answer,asked_at,answered_at`

func scanClarification(scan func(dest ...any) error) (domain.Clarification, error) {
	var c domain.Clarification
	var answer, answeredAt sql.NullString
	err := scan(&c.ID, &c.ReportID, &c.StageID, &c.Question, &answer, &c.AskedAt, &answeredAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if answer.Valid {
		c.Answer = &answer.String
	}
	if answeredAt.Valid {
		c.AnsweredAt = &answeredAt.String
	}
	return c, nil
}

func (r Repo) InsertClarificationTx(ctx context.Context, tx *sql.Tx, c domain.Clarification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO clarifications(`+clarificationCols+`) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ReportID, c.StageID, c.Question, nullableStringPtr(c.Answer), c.AskedAt, nullableStringPtr(c.AnsweredAt))
	return err
}

// PendingClarificationTx returns the report's unanswered clarification.
// ErrNotFound when none is pending. The answer column being NULL is the only
// thing that makes a clarification pending; an empty string is a real answer.
func (r Repo) PendingClarificationTx(ctx context.Context, tx *sql.Tx, reportID string) (domain.Clarification, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+clarificationCols+` FROM clarifications WHERE report_id=? AND answer IS NULL ORDER BY asked_at DESC, id DESC LIMIT 1`, reportID)
	return scanClarification(row.Scan)
}

func (r Repo) PendingClarification(ctx context.Context, reportID string) (domain.Clarification, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+clarificationCols+` FROM clarifications WHERE report_id=? AND answer IS NULL ORDER BY asked_at DESC, id DESC LIMIT 1`, reportID)
	return scanClarification(row.Scan)
}

func (r Repo) AnswerClarificationTx(ctx context.Context, tx *sql.Tx, id, answer, answeredAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE clarifications SET answer=?, answered_at=? WHERE id=? AND answer IS NULL`, answer, answeredAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AnsweredClarifications returns the report's answered clarifications oldest
// first, for inclusion in stage context.
func (r Repo) AnsweredClarifications(ctx context.Context, reportID string) ([]domain.Clarification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clarificationCols+` FROM clarifications WHERE report_id=? AND answer IS NOT NULL ORDER BY asked_at ASC, id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Clarification
	for rows.Next() {
		c, err := scanClarification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListClarifications(ctx context.Context, reportID string) ([]domain.Clarification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clarificationCols+` FROM clarifications WHERE report_id=? ORDER BY asked_at ASC, id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Clarification
	for rows.Next() {
		c, err := scanClarification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
