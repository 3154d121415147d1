package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_EmptyConnString(t *testing.T) {
	_, err := NewPool(context.Background(), "", 0)
	require.Error(t, err)
}

func TestNewPool_InvalidConnString(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://%zz", 0)
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	serial := fmt.Errorf("update: %w", &pgconn.PgError{Code: "40001"})
	deadlock := &pgconn.PgError{Code: "40P01"}
	plain := errors.New("boom")

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(serial))

	assert.True(t, IsRetryable(serial))
	assert.True(t, IsRetryable(deadlock))
	assert.False(t, IsRetryable(unique))
	assert.False(t, IsRetryable(plain))
	assert.False(t, IsRetryable(nil))
}
