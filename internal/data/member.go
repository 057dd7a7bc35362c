package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-lending/internal/validator"
)

// MemberCodePrefix is prepended to every generated member code.
const MemberCodePrefix = "MBR"

// Member is a library patron. MemberCode is assigned once at creation and
// never changes afterwards.
type Member struct {
	ID         int64     `json:"id" db:"id"`
	Name       string    `json:"name" db:"name" validate:"required,max=100"`
	Email      string    `json:"email" db:"email" validate:"required,max=100,email"`
	MemberCode string    `json:"member_code" db:"member_code"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// CreateMemberInput holds the fields a client must supply when registering a member.
type CreateMemberInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UpdateMemberInput holds the optional fields of a member update.
// The member code is deliberately absent: it cannot be changed.
type UpdateMemberInput struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

// Complete reports which fields are missing for a full (PUT) replacement.
func (in UpdateMemberInput) Complete(v *validator.Validator) {
	v.Check(in.Name != nil, "name", "must be provided")
	v.Check(in.Email != nil, "email", "must be provided")
}

// Apply copies every provided field onto member.
func (in UpdateMemberInput) Apply(member *Member) {
	if in.Name != nil {
		member.Name = *in.Name
	}
	if in.Email != nil {
		member.Email = *in.Email
	}
}

// ValidateMember checks the field rules of a member about to be written.
func ValidateMember(v *validator.Validator, member *Member) {
	v.Struct(member)
}

// FormatMemberCode renders a sequence number as a member code: 1 -> MBR001,
// 1000 -> MBR1000.
func FormatMemberCode(n int64) string {
	return fmt.Sprintf("%s%03d", MemberCodePrefix, n)
}

// normalizeEmail keeps uniqueness checks case-insensitive.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemberFilters narrows a member listing.
type MemberFilters struct {
	Search string // Matches name, email or member code, case-insensitive
	Filters
}

// MemberSortSafeList holds the sort values accepted by GET /members.
var MemberSortSafeList = []string{"id", "name", "email", "member_code", "-id", "-name", "-email", "-member_code"}

// MemberModel is the PostgreSQL implementation of MemberStore.
type MemberModel struct {
	DB *sqlx.DB
}

// Insert registers a member. The member code is drawn from member_code_seq
// inside the same transaction as the insert, so two concurrent registrations
// can never receive the same code.
func (m MemberModel) Insert(ctx context.Context, member *Member) error {
	member.Email = normalizeEmail(member.Email)

	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowxContext(ctx, `SELECT nextval('member_code_seq')`).Scan(&seq); err != nil {
		return err
	}
	member.MemberCode = FormatMemberCode(seq)

	query := `
		INSERT INTO members (name, email, member_code)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query, member.Name, member.Email, member.MemberCode).
		Scan(&member.ID, &member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}

	return tx.Commit()
}

// Get returns ErrRecordNotFound when no member has the given id.
func (m MemberModel) Get(ctx context.Context, id int64) (*Member, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query := `
		SELECT id, name, email, member_code, created_at, updated_at
		FROM members
		WHERE id = $1`

	var member Member
	err := m.DB.GetContext(ctx, &member, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &member, nil
}

type memberRow struct {
	Total int `db:"total"`
	Member
}

// GetAll lists members with search, sorting and pagination.
func (m MemberModel) GetAll(ctx context.Context, filters MemberFilters) ([]*Member, Metadata, error) {
	ds := goqu.Dialect(dialectPostgres).
		From("members").
		Select(
			goqu.L("count(*) OVER()").As("total"),
			"id", "name", "email", "member_code", "created_at", "updated_at",
		)

	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		ds = ds.Where(goqu.Or(
			goqu.I("name").ILike(pattern),
			goqu.I("email").ILike(pattern),
			goqu.I("member_code").ILike(pattern),
		))
	}

	order := goqu.I(filters.sortColumn()).Asc()
	if filters.sortDescending() {
		order = goqu.I(filters.sortColumn()).Desc()
	}

	query, args, err := ds.
		Order(order, goqu.I("id").Asc()).
		Limit(uint(filters.limit())).
		Offset(uint(filters.offset())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("build member list query: %w", err)
	}

	var rows []memberRow
	if err := m.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	members := make([]*Member, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].Total
		members = append(members, &rows[i].Member)
	}

	return members, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

// Update writes name and email. member_code is not part of the statement.
func (m MemberModel) Update(ctx context.Context, member *Member) error {
	member.Email = normalizeEmail(member.Email)

	query := `
		UPDATE members
		SET name = $1, email = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING member_code, updated_at`

	err := m.DB.QueryRowxContext(ctx, query, member.Name, member.Email, member.ID).
		Scan(&member.MemberCode, &member.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrRecordNotFound
	case isUniqueViolation(err):
		return ErrDuplicateEmail
	}
	return err
}

// Delete removes a member that has no loans.
func (m MemberModel) Delete(ctx context.Context, id int64) error {
	if id < 1 {
		return ErrRecordNotFound
	}

	result, err := m.DB.ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrRecordInUse
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
