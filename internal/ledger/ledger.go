// Package ledger is the wallet accounting engine. It is the sole authorized
// path for balance mutation: every movement of funds writes one immutable
// ledger entry, and a wallet's balance is always reconstructable as the sum
// of its entries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paddock/exchange-engine/internal/model"
	"github.com/paddock/exchange-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when available funds do not cover
	// a lock or withdrawal.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for non-positive lock/deposit/withdraw amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInternalConsistency is returned when the wallet invariant
	// balance ≥ locked ≥ 0 no longer holds. It is never repaired silently:
	// the enclosing transaction must abort.
	ErrInternalConsistency = errors.New("ledger: wallet invariant violated")
)

// Service mediates all wallet and ledger-entry access for one store view.
// When running inside store.Atomically, construct a Service around the
// transactional store so its writes join the enclosing atomic unit.
type Service struct {
	store store.Store
}

// New creates a ledger service over the given store.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// GetOrCreateWallet returns the user's wallet, creating an empty one on
// first use. Idempotent.
func (s *Service) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	w = &model.Wallet{
		ID:            uuid.New().String(),
		UserID:        userID,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Lock reserves amount from the user's available balance for an in-flight
// operation. The total balance does not change. Must run as part of the
// caller's atomic unit.
func (s *Service) Lock(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return err
	}

	available := w.Balance.Sub(w.LockedBalance)
	if available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, required %s",
			ErrInsufficientBalance, available.String(), amount.String())
	}

	w.LockedBalance = w.LockedBalance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	if err := checkInvariant(w); err != nil {
		return err
	}
	return s.store.UpdateWallet(ctx, w)
}

// Unlock releases up to amount back to the available balance. If less than
// amount is locked, it releases what is there rather than failing, so
// aborted operations can always release their reservation.
func (s *Service) Unlock(ctx context.Context, userID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return err
	}

	if w.LockedBalance.LessThan(amount) {
		w.LockedBalance = decimal.Zero
	} else {
		w.LockedBalance = w.LockedBalance.Sub(amount)
	}
	w.UpdatedAt = time.Now().UTC()
	if err := checkInvariant(w); err != nil {
		return err
	}
	return s.store.UpdateWallet(ctx, w)
}

// Append writes one immutable ledger entry and applies it to the wallet.
// This is the only authorized balance mutator.
//
// A debit (amount < 0) reduces the balance by |amount| and releases up to
// |amount| of the locked balance, consuming any reservation made for the
// operation. A credit (amount ≥ 0) increases the balance directly.
func (s *Service) Append(ctx context.Context, userID string, amount decimal.Decimal,
	kind model.TransactionKind, refType, refID, description string) (*model.LedgerEntry, error) {

	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if amount.IsNegative() {
		abs := amount.Abs()
		w.Balance = w.Balance.Sub(abs)
		released := decimal.Min(w.LockedBalance, abs)
		w.LockedBalance = w.LockedBalance.Sub(released)
	} else {
		w.Balance = w.Balance.Add(amount)
	}
	w.UpdatedAt = time.Now().UTC()

	if err := checkInvariant(w); err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		WalletID:      w.ID,
		Amount:        amount,
		Kind:          kind,
		ReferenceType: refType,
		ReferenceID:   refID,
		Description:   description,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.UpdateWallet(ctx, w); err != nil {
		return nil, err
	}
	return entry, nil
}

// Deposit credits amount to the user's wallet as one atomic unit.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, description string) (*model.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var entry *model.LedgerEntry
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		var err error
		entry, err = New(tx).Append(ctx, userID, amount, model.TxDeposit, "", "", description)
		return err
	})
	return entry, err
}

// Withdraw debits amount from the user's available balance as one atomic
// unit. Fails with ErrInsufficientBalance when available funds do not cover it.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, description string) (*model.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var entry *model.LedgerEntry
	err := s.store.Atomically(ctx, func(tx store.Store) error {
		l := New(tx)
		w, err := l.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return err
		}
		available := w.Balance.Sub(w.LockedBalance)
		if available.LessThan(amount) {
			return fmt.Errorf("%w: available %s, required %s",
				ErrInsufficientBalance, available.String(), amount.String())
		}
		entry, err = l.Append(ctx, userID, amount.Neg(), model.TxWithdrawal, "", "", description)
		return err
	})
	return entry, err
}

// Available returns balance − locked, floored at zero.
func (s *Service) Available(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	available := w.Balance.Sub(w.LockedBalance)
	if available.IsNegative() {
		return decimal.Zero, nil
	}
	return available, nil
}

// TotalBalance returns the wallet's full balance, locked funds included.
func (s *Service) TotalBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return w.Balance, nil
}

// LockedBalance returns the funds currently reserved against in-flight buys.
func (s *Service) LockedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return w.LockedBalance, nil
}

// History returns the user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, userID, limit)
}

func checkInvariant(w *model.Wallet) error {
	if w.LockedBalance.IsNegative() || w.Balance.LessThan(w.LockedBalance) {
		return fmt.Errorf("%w: user %s balance %s locked %s",
			ErrInternalConsistency, w.UserID, w.Balance.String(), w.LockedBalance.String())
	}
	return nil
}
