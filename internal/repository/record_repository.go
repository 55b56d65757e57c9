// internal/repository/record_repository.go
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

// RecordStore is the row-store gateway for one collection.
type RecordStore interface {
	FetchAll(ctx context.Context, companyID string) ([]model.Record, error)
	Update(ctx context.Context, id model.RecordID, patch model.Patch) error
	Delete(ctx context.Context, ids ...model.RecordID) error
}

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// DialectFor maps a database/sql driver name to its SQL dialect.
func DialectFor(driver string) Dialect {
	if driver == "sqlite3" {
		return DialectSQLite
	}
	return DialectPostgres
}

func (d Dialect) placeholder(n int) string {
	if d == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

type RecordRepository struct {
	DB         *sql.DB
	Dialect    Dialect
	Collection model.Collection
}

var _ RecordStore = (*RecordRepository)(nil)

const commonColumns = "id, company_id, display_name, contact_number, message_body, sent, sent_at, collected_at, updated_at"

func (r *RecordRepository) columns() string {
	if r.Collection == model.CollectionBilling {
		return commonColumns + ", due_date, amount, charge_ref"
	}
	return commonColumns + ", birth_date"
}

func (r *RecordRepository) orderBy() string {
	if r.Collection == model.CollectionBilling {
		return "due_date, id"
	}
	return "collected_at, id"
}

// FetchAll returns every entry of a company, sent ones included.
func (r *RecordRepository) FetchAll(ctx context.Context, companyID string) ([]model.Record, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE company_id=%s ORDER BY %s",
		r.columns(), r.Collection.Table(), r.Dialect.placeholder(1), r.orderBy(),
	)

	rows, err := r.DB.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.Collection, err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.Collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.Collection, err)
	}
	return records, nil
}

func (r *RecordRepository) scan(rows *sql.Rows) (model.Record, error) {
	var (
		rec       model.Record
		contact   sql.NullString
		message   sql.NullString
		sentAt    sql.NullTime
		updatedAt sql.NullTime
		birthDate sql.NullTime
		dueDate   sql.NullTime
		amount    sql.NullFloat64
		chargeRef sql.NullString
		id        string
	)

	dest := []any{&id, &rec.CompanyID, &rec.DisplayName, &contact, &message, &rec.Sent, &sentAt, &rec.CollectedAt, &updatedAt}
	if r.Collection == model.CollectionBilling {
		dest = append(dest, &dueDate, &amount, &chargeRef)
	} else {
		dest = append(dest, &birthDate)
	}
	if err := rows.Scan(dest...); err != nil {
		return rec, err
	}

	rec.ID = model.RecordID(id)
	rec.Collection = r.Collection
	rec.ContactNumber = nullString(contact)
	rec.MessageBody = nullString(message)
	rec.SentAt = nullTime(sentAt)
	rec.UpdatedAt = nullTime(updatedAt)
	rec.BirthDate = nullTime(birthDate)
	rec.DueDate = nullTime(dueDate)
	rec.ChargeRef = nullString(chargeRef)
	if amount.Valid {
		a := amount.Float64
		rec.Amount = &a
	}
	return rec, nil
}

// Update writes the non-nil members of patch and bumps updated_at.
func (r *RecordRepository) Update(ctx context.Context, id model.RecordID, patch model.Patch) error {
	if patch.Empty() {
		return nil
	}

	sets := []string{}
	args := []any{}
	argPos := 1
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s=%s", column, r.Dialect.placeholder(argPos)))
		args = append(args, value)
		argPos++
	}

	if patch.ContactNumber != nil {
		add("contact_number", *patch.ContactNumber)
	}
	if patch.MessageBody != nil {
		add("message_body", *patch.MessageBody)
	}
	if patch.Sent != nil {
		add("sent", *patch.Sent)
	}
	if patch.SentAt != nil {
		add("sent_at", patch.SentAt.UTC())
	}
	add("updated_at", time.Now().UTC())

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=%s",
		r.Collection.Table(), strings.Join(sets, ", "), r.Dialect.placeholder(argPos))
	args = append(args, string(id))

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", r.Collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewRecordNotFound(string(id))
	}
	return nil
}

// Delete removes the given ids in one statement.
func (r *RecordRepository) Delete(ctx context.Context, ids ...model.RecordID) error {
	if len(ids) == 0 {
		return nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}

	var (
		query string
		args  []any
	)
	if r.Dialect == DialectPostgres {
		query = fmt.Sprintf("DELETE FROM %s WHERE id::text = ANY($1)", r.Collection.Table())
		args = []any{pq.Array(raw)}
	} else {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(raw)), ",")
		query = fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", r.Collection.Table(), marks)
		for _, id := range raw {
			args = append(args, id)
		}
	}

	if _, err := r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s: %w", r.Collection, err)
	}
	return nil
}

// Insert stores a new entry; birthday entries get their id from the store.
func (r *RecordRepository) Insert(ctx context.Context, rec *model.Record) error {
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = time.Now().UTC()
	}
	rec.Collection = r.Collection

	cols := []string{"company_id", "display_name", "contact_number", "message_body", "sent", "collected_at"}
	args := []any{rec.CompanyID, rec.DisplayName, rec.ContactNumber, rec.MessageBody, rec.Sent, rec.CollectedAt}
	if r.Collection == model.CollectionBilling {
		cols = append([]string{"id"}, cols...)
		args = append([]any{string(rec.ID)}, args...)
		cols = append(cols, "due_date", "amount", "charge_ref")
		args = append(args, rec.DueDate, rec.Amount, rec.ChargeRef)
	} else {
		cols = append(cols, "birth_date")
		args = append(args, rec.BirthDate)
	}

	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = r.Dialect.placeholder(i + 1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		r.Collection.Table(), strings.Join(cols, ", "), strings.Join(marks, ", "))

	var id string
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return fmt.Errorf("insert %s: %w", r.Collection, err)
	}
	rec.ID = model.RecordID(id)
	return nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
