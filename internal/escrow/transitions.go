package escrow

import (
	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/wallet"
)

// Command names a wallet mutation.
type Command string

const (
	CmdCreateWallet        Command = "create_wallet"
	CmdRecordDeposit       Command = "record_deposit"
	CmdRequestFinalPayment Command = "request_final_payment"
	CmdRecordFinalPayment  Command = "record_final_payment"
	CmdRequestRefund       Command = "request_refund"
	CmdReleaseToSeller     Command = "release_to_seller"
	CmdOpenDispute         Command = "open_dispute"
	CmdResolveDispute      Command = "resolve_dispute"
	CmdSetReleaseCondition Command = "set_release_condition"
	CmdCancelWallet        Command = "cancel_wallet"
	CmdRecordAdjustment    Command = "record_adjustment"
	CmdRebuild             Command = "rebuild"
)

var nonTerminal = []wallet.Status{
	wallet.StatusPendingDeposit,
	wallet.StatusDepositHeld,
	wallet.StatusPendingFinal,
	wallet.StatusFullyHeld,
	wallet.StatusDisputed,
}

// AllowedTransitions lists the statuses each command may start from.
// Commands missing from the map are accepted in every status.
func AllowedTransitions() map[Command][]wallet.Status {
	return map[Command][]wallet.Status{
		CmdRecordDeposit:       {wallet.StatusPendingDeposit},
		CmdRequestFinalPayment: {wallet.StatusDepositHeld},
		CmdRecordFinalPayment:  {wallet.StatusDepositHeld, wallet.StatusPendingFinal},
		CmdRequestRefund:       {wallet.StatusDepositHeld, wallet.StatusPendingFinal, wallet.StatusFullyHeld},
		CmdReleaseToSeller:     {wallet.StatusFullyHeld},
		CmdOpenDispute:         nonTerminal,
		CmdResolveDispute:      {wallet.StatusDisputed},
		CmdSetReleaseCondition: nonTerminal,
		CmdCancelWallet:        {wallet.StatusPendingDeposit},
	}
}

// CanApply reports whether cmd is allowed from status.
func CanApply(status wallet.Status, cmd Command) bool {
	allowed, ok := AllowedTransitions()[cmd]
	if !ok {
		return true
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// checkTransition returns the typed error for a command that may not run
// against w. Refunds and releases on a disputed wallet are reported as
// DisputeActiveError rather than a plain invalid transition.
func checkTransition(w *wallet.Wallet, cmd Command) error {
	if w.Status == wallet.StatusDisputed && (cmd == CmdRequestRefund || cmd == CmdReleaseToSeller) {
		return &apperr.DisputeActiveError{OrderID: w.OrderID, Command: string(cmd)}
	}
	if !CanApply(w.Status, cmd) {
		return &apperr.InvalidTransitionError{OrderID: w.OrderID, From: string(w.Status), Command: string(cmd)}
	}
	return nil
}
