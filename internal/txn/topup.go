package txn

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

// Topup credits a user's balance directly (wallet source), with no
// buyer/seller counterpart — used by account provisioning (e.g. a signup
// bonus or an operator-issued credit).
func (e *Engine) Topup(ctx context.Context, userID string, amount decimal.Decimal) (domain.Transaction, error) {
	if amount.Sign() <= 0 {
		return domain.Transaction{}, apperr.New(apperr.KindValidation, "topup amount must be positive")
	}

	unlock, err := e.lock(userLockKey(userID))
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock.Unlock()

	user, err := e.store.GetUser(userID)
	if err != nil {
		return domain.Transaction{}, err
	}
	user.Balance = user.Balance.Add(amount)
	if err := e.store.PutUser(user); err != nil {
		return domain.Transaction{}, err
	}

	tx := domain.Transaction{
		ID:          newID(),
		Source:      domain.TxSourceWallet,
		Type:        domain.TxTopup,
		BuyerID:     userID,
		GrossAmount: amount,
		PlatformFee: decimal.Zero,
		NetAmount:   amount,
		CreatedAt:   e.now(),
	}
	if err := e.store.PutTransaction(tx); err != nil {
		return domain.Transaction{}, err
	}
	e.audit(userID, "topup", "user", userID, fmt.Sprintf("amount=%s", amount))
	return tx, nil
}
