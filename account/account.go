package account

import "time"

// Account is the state of one account, rebuilt from its stream for every command.
type Account struct {
	ID         string
	OpenedTime time.Time
	ClosedTime time.Time
	Balance    float64
	// Sequence is the highest command sequence reflected in the state.
	Sequence int64
}

// Opened reports whether the account has been opened.
func (a Account) Opened() bool { return !a.OpenedTime.IsZero() }

// Closed reports whether the account has been closed.
func (a Account) Closed() bool { return !a.ClosedTime.IsZero() }

// Active reports whether the account accepts deposits and withdrawals.
func (a Account) Active() bool { return a.Opened() && !a.Closed() }

// Processed reports whether the command with the given sequence is already reflected.
func (a Account) Processed(sequence int64) bool { return sequence <= a.Sequence }

// SufficientFunds reports whether amount can be withdrawn.
func (a Account) SufficientFunds(amount float64) bool { return a.Balance >= amount }

// Apply returns the state after e.
func (a Account) Apply(e Event) Account {
	switch ev := e.(type) {
	case Opened:
		a.ID = ev.AccountID
		a.OpenedTime = ev.ProcessedTime
		a.Sequence = max(a.Sequence, ev.Sequence)
	case Closed:
		a.ClosedTime = ev.ProcessedTime
		a.Sequence = max(a.Sequence, ev.Sequence)
	case Deposited:
		a.Balance += ev.Amount
		a.Sequence = max(a.Sequence, ev.Sequence)
	case Withdrawn:
		a.Balance -= ev.Amount
		a.Sequence = max(a.Sequence, ev.Sequence)
	case WithdrawalRejected:
		a.Sequence = max(a.Sequence, ev.Sequence)
	}
	return a
}

// Decide returns the event cmd produces against a, or nil and the reason the
// command is a no-op.
func Decide(a Account, cmd Command) (Event, string) {
	if a.Processed(cmd.Origin().GlobalPosition) {
		return nil, "already processed"
	}

	switch c := cmd.(type) {
	case Open:
		if a.Opened() {
			return nil, "account already opened"
		}
	case Close:
		if !a.Opened() {
			return nil, "account not opened"
		}
		if a.Closed() {
			return nil, "account already closed"
		}
	case Deposit:
		if !a.Active() {
			return nil, "account not active"
		}
	case Withdraw:
		if !a.Active() {
			return nil, "account not active"
		}
		if !a.SufficientFunds(c.Amount) {
			return Reject(c, "insufficient funds"), ""
		}
	}
	return Follow(cmd), ""
}
