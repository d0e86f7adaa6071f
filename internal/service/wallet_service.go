package service

import (
	"context"

	"topup-store/internal/apperr"
	"topup-store/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const recentTransactionsLimit = 20

// WalletService exposes a user's balance and recent ledger rows
type WalletService struct {
	store    WalletStore
	currency string
}

// NewWalletService creates a new wallet service
func NewWalletService(store WalletStore, currency string) *WalletService {
	return &WalletService{store: store, currency: currency}
}

// Balance is the wallet as returned to its owner
type Balance struct {
	UserID       uuid.UUID                  `json:"user_id"`
	Balance      decimal.Decimal            `json:"balance"`
	Currency     string                     `json:"currency"`
	Transactions []models.WalletTransaction `json:"transactions"`
}

// Balance returns the current balance, zero for users without a profile
func (s *WalletService) Balance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistence, err, "get balance")
	}

	txns, err := s.store.GetWalletTransactions(ctx, userID, recentTransactionsLimit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistence, err, "get wallet transactions")
	}
	if txns == nil {
		txns = []models.WalletTransaction{}
	}

	return &Balance{UserID: userID, Balance: balance, Currency: s.currency, Transactions: txns}, nil
}
