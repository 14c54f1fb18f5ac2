package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

// VerifyReport compares a stored wallet with a replay of its ledger.
type VerifyReport struct {
	OrderID    string                     `json:"order_id"`
	Consistent bool                       `json:"consistent"`
	Stored     wallet.Balances            `json:"stored"`
	Replayed   wallet.Balances            `json:"replayed"`
	Checks     []*ledger.ValidationResult `json:"checks"`
	Halted     bool                       `json:"halted"`
}

func (r *VerifyReport) failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.IsValid {
			out = append(out, c.ValidationType+": "+c.Message)
		}
	}
	return out
}

// Verify replays the order's ledger and compares it with the stored wallet.
// A mismatch halts the wallet and returns the report together with an
// *apperr.InvariantViolationError.
func (s *Service) Verify(ctx context.Context, orderID string) (*VerifyReport, error) {
	var report *VerifyReport
	err := s.locker.WithLock(ctx, s.lockKey(orderID), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			w, err := tx.LockWallet(ctx, orderID)
			if err != nil {
				return err
			}
			if w == nil {
				return &apperr.NotFoundError{Entity: "wallet", ID: orderID}
			}
			txs, err := tx.Transactions(ctx, orderID)
			if err != nil {
				return err
			}
			report = s.inspect(w, txs)
			if report.Consistent || w.IntegrityHalted {
				return nil
			}
			w.IntegrityHalted = true
			w.HaltReason = strings.Join(report.failures(), "; ")
			w.UpdatedAt = s.opts.Now().UTC()
			report.Halted = true
			return tx.UpdateWallet(ctx, w)
		})
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		reason := strings.Join(report.failures(), "; ")
		s.logger.Error("wallet failed verification", "order_id", orderID, "reason", reason)
		return report, &apperr.InvariantViolationError{OrderID: orderID, Reason: reason}
	}
	return report, nil
}

func (s *Service) inspect(w *wallet.Wallet, txs []*ledger.Transaction) *VerifyReport {
	report := &VerifyReport{OrderID: w.OrderID, Stored: w.Balances, Halted: w.IntegrityHalted}
	report.Checks = s.validator.ComprehensiveValidation(w.OrderID, txs)

	aggregate := &ledger.ValidationResult{ValidationType: "aggregate_replay", OrderID: w.OrderID, IsValid: true}
	replayed, err := wallet.Replay(w.OrderID, txs)
	switch {
	case err != nil:
		aggregate.IsValid = false
		aggregate.Message = err.Error()
	case !replayed.Balances.Equal(w.Balances):
		report.Replayed = replayed.Balances
		aggregate.IsValid = false
		aggregate.Message = fmt.Sprintf("stored available %s, replay gives %s", w.Available(), replayed.Available())
	case replayed.SequenceNo != w.SequenceNo || replayed.LastHash != w.LastHash:
		report.Replayed = replayed.Balances
		aggregate.IsValid = false
		aggregate.Message = fmt.Sprintf("stored head %d, ledger head %d", w.SequenceNo, replayed.SequenceNo)
	default:
		report.Replayed = replayed.Balances
		aggregate.Message = "stored wallet matches the ledger"
	}
	if w.IntegrityHalted && aggregate.IsValid {
		aggregate.Message += " (wallet is halted: " + w.HaltReason + ")"
	}
	report.Checks = append(report.Checks, aggregate)
	report.Consistent = ledger.AllValid(report.Checks)
	return report
}

// Rebuild recomputes the wallet's balances from its ledger and lifts an
// integrity halt. It refuses when the hash chain itself is broken, since the
// ledger can no longer be trusted as the source of truth.
func (s *Service) Rebuild(ctx context.Context, orderID, operator string) (*Result, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, apperr.Invalid("operator", "is required")
	}
	var res *Result
	err := s.locker.WithLock(ctx, s.lockKey(orderID), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			w, err := tx.LockWallet(ctx, orderID)
			if err != nil {
				return err
			}
			if w == nil {
				return &apperr.NotFoundError{Entity: "wallet", ID: orderID}
			}
			txs, err := tx.Transactions(ctx, orderID)
			if err != nil {
				return err
			}
			if bad := ledger.VerifyChain(txs); bad != 0 {
				return &apperr.InvariantViolationError{
					OrderID: orderID,
					Reason:  fmt.Sprintf("hash chain broken at sequence %d; rebuild refused", bad),
				}
			}
			replayed, err := wallet.Replay(orderID, txs)
			if err != nil {
				return &apperr.InvariantViolationError{OrderID: orderID, Reason: err.Error()}
			}
			w.Balances = replayed.Balances
			w.SequenceNo = replayed.SequenceNo
			w.LastHash = replayed.LastHash
			w.IntegrityHalted = false
			w.HaltReason = ""
			w.UpdatedAt = s.opts.Now().UTC()
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
			res = &Result{Wallet: w}
			return nil
		})
	})
	if err != nil {
		s.logger.Error("wallet rebuild failed", "order_id", orderID, "operator", operator, "error", err)
		return nil, err
	}
	s.logger.Warn("wallet rebuilt from ledger", "order_id", orderID, "operator", operator,
		"available", res.Wallet.Available().String(), "sequence_no", res.Wallet.SequenceNo)
	return res, nil
}

// ReconcileAll verifies every wallet and returns how many failed.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	failed := 0
	var errs []error
	err := s.scanWallets(ctx, store.WalletFilter{}, func(w *wallet.Wallet) {
		_, err := s.Verify(ctx, w.OrderID)
		switch {
		case err == nil:
		case apperr.KindOf(err) == apperr.KindInvariantViolation:
			failed++
		default:
			errs = append(errs, fmt.Errorf("verify %s: %w", w.OrderID, err))
		}
	})
	return failed, errors.Join(append(errs, err)...)
}
