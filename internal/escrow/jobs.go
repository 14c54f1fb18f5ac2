package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/ledger"
	"github.com/example/preorder-escrow/internal/store"
	"github.com/example/preorder-escrow/internal/wallet"
)

const schedulerActor = "scheduler"

// AutoRelease releases fully held wallets whose delivery was confirmed more
// than AutoReleaseBuffer ago without a dispute. Each wallet goes through the
// normal locked release path; it returns how many were released.
func (s *Service) AutoRelease(ctx context.Context) (int, error) {
	released := 0
	var errs []error
	err := s.scanWallets(ctx, store.WalletFilter{
		Statuses: []wallet.Status{wallet.StatusFullyHeld},
	}, func(w *wallet.Wallet) {
		if !s.autoReleaseDue(w) {
			return
		}
		res, err := s.autoRelease(ctx, w.OrderID)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("auto-release %s: %w", w.OrderID, err))
		case res.Wallet.Status == wallet.StatusReleasedToSeller && !res.Duplicate:
			released++
		}
	})
	return released, errors.Join(append(errs, err)...)
}

// scanWallets visits every wallet matching filter, reading ScanLimit at a
// time. Pages are keyed on (created_at, order_id), so wallets that change
// status during the scan do not shift the pages after them.
func (s *Service) scanWallets(ctx context.Context, filter store.WalletFilter, visit func(*wallet.Wallet)) error {
	filter.Limit = s.opts.ScanLimit
	for {
		page, err := s.store.ListWallets(ctx, filter)
		if err != nil {
			return err
		}
		for _, w := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			visit(w)
		}
		if len(page) < filter.Limit {
			return nil
		}
		filter.After = store.CursorAfter(page[len(page)-1])
	}
}

func (s *Service) autoReleaseDue(w *wallet.Wallet) bool {
	if w.Status != wallet.StatusFullyHeld || !w.ReleaseConditions[wallet.ConditionDeliveryConfirmed] {
		return false
	}
	confirmedAt, ok := w.ConditionSetAt[wallet.ConditionDeliveryConfirmed]
	if !ok {
		return false
	}
	return !s.opts.Now().Before(confirmedAt.Add(s.opts.AutoReleaseBuffer))
}

func (s *Service) autoRelease(ctx context.Context, orderID string) (*Result, error) {
	c := call{
		cmd: CmdReleaseToSeller, orderID: orderID, key: "auto-release:" + orderID, actor: schedulerActor,
		sameAs: oneOf(ledger.TypeSellerPayout, ledger.TypeCommissionDeduct),
	}
	return s.execute(ctx, c, func(u *unit) error {
		// Re-check under the lock: the wallet may have been disputed or
		// released since the scan.
		if !s.autoReleaseDue(u.w) {
			u.noop()
			return nil
		}
		windowSet := u.w.ReleaseConditions[wallet.ConditionDisputeWindowElapsed]
		if !windowSet {
			if err := u.setCondition(wallet.ConditionDisputeWindowElapsed, true, schedulerActor); err != nil {
				return err
			}
		}
		if missing := u.w.MissingConditions(); len(missing) > 0 {
			if windowSet {
				u.noop()
			}
			// Other gates are still open; keep the elapsed window and leave
			// the release to a person.
			u.svc.logger.Debug("auto-release deferred", "order_id", orderID, "missing", missing)
			return nil
		}
		return u.release("auto-release after dispute window")
	})
}

// ExpireDeposits cancels wallets that have waited longer than DepositTimeout
// for their deposit. It returns how many were cancelled.
func (s *Service) ExpireDeposits(ctx context.Context) (int, error) {
	cancelled := 0
	var errs []error
	err := s.scanWallets(ctx, store.WalletFilter{
		Statuses:      []wallet.Status{wallet.StatusPendingDeposit},
		CreatedBefore: s.opts.Now().Add(-s.opts.DepositTimeout),
	}, func(w *wallet.Wallet) {
		res, err := s.CancelWallet(ctx, w.OrderID, schedulerActor, "deposit timeout")
		switch {
		case err == nil && !res.Duplicate:
			cancelled++
		case err == nil, apperr.KindOf(err) == apperr.KindInvalidTransition:
			// Paid or cancelled between the scan and the lock.
		default:
			errs = append(errs, fmt.Errorf("expire %s: %w", w.OrderID, err))
		}
	})
	return cancelled, errors.Join(append(errs, err)...)
}
