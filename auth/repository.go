package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/db"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	SetPartyID(ctx context.Context, id, partyID string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

const accountColumns = `id::text, email, full_name, password_hash, role, party_id, created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateAccount inserts a new account with an already hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + accountColumns

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL,
		strings.ToLower(params.Email), params.FullName, params.PasswordHash, string(params.Role)))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return account, nil
}

func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}
	return account, nil
}

func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}
	return account, nil
}

// SetPartyID binds the account to the party it acts for.
func (r *PGRepository) SetPartyID(ctx context.Context, id, partyID string) (Account, error) {
	const q = `UPDATE accounts SET party_id = $2, updated_at = now() WHERE id::text = $1 RETURNING ` + accountColumns
	account, err := scanAccount(r.pool.QueryRow(ctx, q, id, partyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: set party id: %w", err)
	}
	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.FullName,
		&a.PasswordHash,
		&a.Role,
		&a.PartyID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
