package service

import (
	"context"
	"testing"

	"topup-store/internal/models"
	"topup-store/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceWithoutProfileIsZero(t *testing.T) {
	wallet := NewWalletService(newMemStore(), "usd")

	balance, err := wallet.Balance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero())
	assert.Equal(t, "usd", balance.Currency)
	assert.NotNil(t, balance.Transactions)
}

func TestBalanceMatchesLedger(t *testing.T) {
	mem := newMemStore()
	wallet := NewWalletService(mem, "usd")
	user := uuid.New()

	for _, amount := range []int64{10, 25, 5} {
		_, err := mem.CreditWallet(context.Background(), store.WalletCredit{
			UserID: user, Amount: decimal.NewFromInt(amount), Type: models.WalletTxDeposit,
		})
		require.NoError(t, err)
	}

	balance, err := wallet.Balance(context.Background(), user)
	require.NoError(t, err)

	sum := decimal.Zero
	for _, txn := range balance.Transactions {
		sum = sum.Add(txn.Amount)
	}
	assert.True(t, decimal.NewFromInt(40).Equal(balance.Balance))
	assert.True(t, sum.Equal(balance.Balance), "ledger rows reconstruct the balance")
	assert.True(t, balance.Balance.Equal(balance.Transactions[len(balance.Transactions)-1].BalanceAfter))
}
