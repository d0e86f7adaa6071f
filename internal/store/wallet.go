package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"topup-store/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrOptimisticLock is returned when the balance moved between read and write.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// WalletCredit describes one deposit into a user's wallet.
type WalletCredit struct {
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Type        string
	Description string
	OrderID     *uuid.UUID
}

// GetBalance returns the wallet balance, zero when the user has no profile yet
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.GetContext(ctx, &balance, "SELECT balance FROM profiles WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreditWallet writes balance+amount and appends the ledger row in one
// transaction. The profile row is locked for the read, so concurrent credits
// to one user queue behind each other instead of failing. The version check
// on the write still catches any writer that bypasses the lock.
func (s *Store) CreditWallet(ctx context.Context, credit WalletCredit) (*models.WalletTransaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO profiles (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING", credit.UserID)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}

	var profile models.Profile
	err = tx.GetContext(ctx, &profile,
		"SELECT user_id, balance, version, updated_at FROM profiles WHERE user_id = $1 FOR UPDATE", credit.UserID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	newBalance := profile.Balance.Add(credit.Amount)

	res, err := tx.ExecContext(ctx, `
		UPDATE profiles SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2 AND version = $3`,
		newBalance, credit.UserID, profile.Version)
	if err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("write balance: %w", err)
	}
	if rows == 0 {
		return nil, ErrOptimisticLock
	}

	txn := &models.WalletTransaction{
		ID:           uuid.New(),
		UserID:       credit.UserID,
		Amount:       credit.Amount,
		Type:         credit.Type,
		Description:  credit.Description,
		OrderID:      credit.OrderID,
		BalanceAfter: newBalance,
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, description, order_id, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		txn.ID, txn.UserID, txn.Amount, txn.Type, txn.Description, txn.OrderID, txn.BalanceAfter,
	).Scan(&txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert wallet transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit wallet credit: %w", err)
	}
	return txn, nil
}

// GetWalletTransactions lists a user's ledger, newest first
func (s *Store) GetWalletTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	var txns []models.WalletTransaction
	err := s.db.SelectContext(ctx, &txns, `
		SELECT id, user_id, amount, type, description, order_id, balance_after, created_at
		FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get wallet transactions: %w", err)
	}
	return txns, nil
}
