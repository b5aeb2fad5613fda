package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campaign-indexer/internal/campaign"
)

func newMockLedger(t *testing.T) (*Ledger, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	l, err := NewLedger(mock)
	require.NoError(t, err)
	return l, mock
}

func TestLedgerOpenReturnsStoredBalance(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO credit_accounts").
		WithArgs("owner", int64(500)).
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(42)))

	bal, err := l.Open(context.Background(), "owner", 500)
	require.NoError(t, err)
	require.EqualValues(t, 42, bal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTryDebitGuardedUpdate(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("UPDATE credit_accounts SET remaining = remaining -").
		WithArgs("owner", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(7)))

	ok, remaining, err := l.TryDebit(context.Background(), "owner", 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 7, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTryDebitInsufficient(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("UPDATE credit_accounts SET remaining = remaining -").
		WithArgs("owner", int64(5)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT remaining FROM credit_accounts").
		WithArgs("owner").
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(2)))

	ok, remaining, err := l.TryDebit(context.Background(), "owner", 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 2, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerTryDebitUnknownOwner(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("UPDATE credit_accounts SET remaining = remaining -").
		WithArgs("ghost", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT remaining FROM credit_accounts").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, _, err := l.TryDebit(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, campaign.ErrUnknownOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRefund(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("UPDATE credit_accounts SET remaining = remaining \\+").
		WithArgs("owner", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(8)))
	mock.ExpectQuery("UPDATE credit_accounts SET remaining = remaining \\+").
		WithArgs("ghost", int64(1)).
		WillReturnError(pgx.ErrNoRows)

	bal, err := l.Refund(context.Background(), "owner", 1)
	require.NoError(t, err)
	require.EqualValues(t, 8, bal)

	_, err = l.Refund(context.Background(), "ghost", 1)
	require.ErrorIs(t, err, campaign.ErrUnknownOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRefundOnceAppliesOnce(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO credit_refunds").
		WithArgs("owner", "refund:c-1:0", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(4)))
	mock.ExpectQuery("INSERT INTO credit_refunds").
		WithArgs("owner", "refund:c-1:0", int64(1)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT remaining FROM credit_accounts").
		WithArgs("owner").
		WillReturnRows(pgxmock.NewRows([]string{"remaining"}).AddRow(int64(4)))

	bal, applied, err := l.RefundOnce(context.Background(), "owner", "refund:c-1:0", 1)
	require.NoError(t, err)
	require.True(t, applied)
	require.EqualValues(t, 4, bal)

	bal, applied, err = l.RefundOnce(context.Background(), "owner", "refund:c-1:0", 1)
	require.NoError(t, err)
	require.False(t, applied)
	require.EqualValues(t, 4, bal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRefundOnceUnknownOwner(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	mock.ExpectQuery("INSERT INTO credit_refunds").
		WithArgs("ghost", "refund:c-1:0", int64(1)).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

	_, _, err := l.RefundOnce(context.Background(), "ghost", "refund:c-1:0", 1)
	require.ErrorIs(t, err, campaign.ErrUnknownOwner)

	_, _, err = l.RefundOnce(context.Background(), "owner", "", 1)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRejectsNegativeAmounts(t *testing.T) {
	t.Parallel()

	l, mock := newMockLedger(t)
	_, err := l.Open(context.Background(), "owner", -1)
	require.Error(t, err)
	_, _, err = l.TryDebit(context.Background(), "owner", -1)
	require.Error(t, err)
	_, err = l.Refund(context.Background(), "owner", -1)
	require.Error(t, err)
	_, _, err = l.RefundOnce(context.Background(), "owner", "k", -1)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
