// Package escrow holds every deposited balance in the system. Each account
// carries, per currency, a non-negative free balance available for trading and
// withdrawal, and a signed cash balance recording crystallized settlement
// claims. Value only ever moves between accounts; the sum of free balances per
// currency always equals the tracked total supply, and cash balances sum to
// zero across all accounts including the reserve.
package escrow

import (
	"errors"
	"math/big"

	"cashmarket/core/types"
	"cashmarket/fixedmath"
	"cashmarket/native/common"
	"cashmarket/native/oracle"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilOracle = errors.New("escrow engine: oracle not configured")

	ErrInvalidAmount       = common.NewError(common.CodeInvalidAmount, "escrow: amount must be positive")
	ErrInsufficientBalance = common.NewError(common.CodeInsufficientBalance, "escrow: insufficient free balance")
	ErrOverMaxCollateral   = common.NewError(common.CodeOverMaxCollateral, "escrow: deposit exceeds currency supply cap")
	ErrIncorrectCashAmount = common.NewError(common.CodeIncorrectCashAmount, "escrow: settlement amount exceeds outstanding cash balance")
)

const pauseModule = "escrow"

// Account is one (address, currency) balance record.
type Account struct {
	// CashBalance is the signed crystallized settlement claim. Negative means
	// the account owes cash; positive means it is owed.
	CashBalance *big.Int
	// FreeBalance is the unencumbered deposit available for trading and
	// withdrawal. Never negative.
	FreeBalance *big.Int
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{CashBalance: new(big.Int), FreeBalance: new(big.Int)}
	if a.CashBalance != nil {
		clone.CashBalance.Set(a.CashBalance)
	}
	if a.FreeBalance != nil {
		clone.FreeBalance.Set(a.FreeBalance)
	}
	return clone
}

type engineState interface {
	GetEscrowAccount(addr types.Address, currency types.Currency) (*Account, error)
	PutEscrowAccount(addr types.Address, currency types.Currency, acct *Account) error
	GetTotalSupply(currency types.Currency) (*big.Int, error)
	PutTotalSupply(currency types.Currency, supply *big.Int) error
}

// withdrawGate is evaluated before a withdrawal commits; it sees the
// hypothetical post-withdrawal position and rejects undercollateralized
// accounts.
type withdrawGate interface {
	CheckWithdraw(addr types.Address, currency types.Currency, amount *big.Int, now int64) error
}

// Engine owns deposits, withdrawals and the balance movements the market and
// settlement engines drive.
type Engine struct {
	state     engineState
	gate      withdrawGate
	pauses    common.PauseView
	rates     oracle.ExchangeRateOracle
	reserve   types.Address
	maxSupply map[types.Currency]*big.Int
}

func NewEngine() *Engine {
	return &Engine{maxSupply: make(map[types.Currency]*big.Int)}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetWithdrawGate wires the free-collateral check run before withdrawals.
func (e *Engine) SetWithdrawGate(gate withdrawGate) { e.gate = gate }

// SetPauses wires the optional pause switchboard.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetOracle wires the exchange-rate capability used when cash settles against
// a different deposit currency.
func (e *Engine) SetOracle(rates oracle.ExchangeRateOracle) { e.rates = rates }

// SetReserveAddress fixes the account fees accrue to and settlement shortfalls
// draw from.
func (e *Engine) SetReserveAddress(addr types.Address) { e.reserve = addr }

// ReserveAddress returns the configured reserve account.
func (e *Engine) ReserveAddress() types.Address { return e.reserve }

// SetMaxSupply caps the deposited supply of a currency; nil removes the cap.
func (e *Engine) SetMaxSupply(currency types.Currency, max *big.Int) {
	if max == nil {
		delete(e.maxSupply, currency)
		return
	}
	e.maxSupply[currency] = new(big.Int).Set(max)
}

func (e *Engine) ensureAccount(addr types.Address, currency types.Currency) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	acct, err := e.state.GetEscrowAccount(addr, currency)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{CashBalance: new(big.Int), FreeBalance: new(big.Int)}
	}
	return acct, nil
}

func (e *Engine) totalSupply(currency types.Currency) (*big.Int, error) {
	supply, err := e.state.GetTotalSupply(currency)
	if err != nil {
		return nil, err
	}
	if supply == nil {
		supply = new(big.Int)
	}
	return supply, nil
}

// Deposit credits the account's free balance from outside the system,
// honoring the currency supply cap.
func (e *Engine) Deposit(addr types.Address, currency types.Currency, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	supply, err := e.totalSupply(currency)
	if err != nil {
		return err
	}
	newSupply, err := fixedmath.Add(supply, amount)
	if err != nil {
		return err
	}
	if limit, ok := e.maxSupply[currency]; ok && newSupply.Cmp(limit) > 0 {
		return ErrOverMaxCollateral
	}
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return err
	}
	acct.FreeBalance = new(big.Int).Add(acct.FreeBalance, amount)
	if err := e.state.PutEscrowAccount(addr, currency, acct); err != nil {
		return err
	}
	return e.state.PutTotalSupply(currency, newSupply)
}

// Withdraw debits the account's free balance to outside the system. The
// withdrawal gate sees the hypothetical post-withdrawal position first, so an
// account can never pull collateral backing open obligations.
func (e *Engine) Withdraw(addr types.Address, currency types.Currency, amount *big.Int, now int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := common.Guard(e.pauses, pauseModule); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return err
	}
	if acct.FreeBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if e.gate != nil {
		if err := e.gate.CheckWithdraw(addr, currency, amount, now); err != nil {
			return err
		}
	}
	supply, err := e.totalSupply(currency)
	if err != nil {
		return err
	}
	newSupply, err := fixedmath.SubNoNeg(supply, amount)
	if err != nil {
		return err
	}
	acct.FreeBalance = new(big.Int).Sub(acct.FreeBalance, amount)
	if err := e.state.PutEscrowAccount(addr, currency, acct); err != nil {
		return err
	}
	return e.state.PutTotalSupply(currency, newSupply)
}

// Balances reports the account's signed cash and free balances.
func (e *Engine) Balances(addr types.Address, currency types.Currency) (*big.Int, *big.Int, error) {
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(acct.CashBalance), new(big.Int).Set(acct.FreeBalance), nil
}

// Account returns a copy of the stored balance record.
func (e *Engine) Account(addr types.Address, currency types.Currency) (*Account, error) {
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// TotalSupply reports the deposited supply of a currency.
func (e *Engine) TotalSupply(currency types.Currency) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.totalSupply(currency)
}

// CreditFree adds to the account's free balance. Internal movement only;
// total supply is unchanged.
func (e *Engine) CreditFree(addr types.Address, currency types.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return err
	}
	acct.FreeBalance = new(big.Int).Add(acct.FreeBalance, amount)
	return e.state.PutEscrowAccount(addr, currency, acct)
}

// DebitFree removes from the account's free balance, failing rather than
// flooring when the balance is short.
func (e *Engine) DebitFree(addr types.Address, currency types.Currency, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return err
	}
	if acct.FreeBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	acct.FreeBalance = new(big.Int).Sub(acct.FreeBalance, amount)
	return e.state.PutEscrowAccount(addr, currency, acct)
}

// CreditReserve routes an amount into the reserve account's free balance.
func (e *Engine) CreditReserve(currency types.Currency, amount *big.Int) error {
	return e.CreditFree(e.reserve, currency, amount)
}

// TransferFree moves free balance between two accounts.
func (e *Engine) TransferFree(from, to types.Address, currency types.Currency, amount *big.Int) error {
	if err := e.DebitFree(from, currency, amount); err != nil {
		return err
	}
	return e.CreditFree(to, currency, amount)
}

// AddCashBalance applies a signed delta to the account's cash balance. The
// settlement engine keeps these deltas zero-sum across accounts.
func (e *Engine) AddCashBalance(addr types.Address, currency types.Currency, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	acct, err := e.ensureAccount(addr, currency)
	if err != nil {
		return err
	}
	updated, err := fixedmath.Add(acct.CashBalance, delta)
	if err != nil {
		return err
	}
	acct.CashBalance = updated
	return e.state.PutEscrowAccount(addr, currency, acct)
}

// SettleCashBalance pays amount of the payer's cash debt to the receiver out
// of the payer's free balance. Both cash balances move toward zero and the
// receiver's claim converts to free balance. The amount must not exceed either
// side's outstanding claim.
func (e *Engine) SettleCashBalance(payer, receiver types.Address, currency types.Currency, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	payerAcct, err := e.ensureAccount(payer, currency)
	if err != nil {
		return err
	}
	receiverAcct, err := e.ensureAccount(receiver, currency)
	if err != nil {
		return err
	}
	owed := new(big.Int).Neg(payerAcct.CashBalance)
	if owed.Cmp(amount) < 0 || receiverAcct.CashBalance.Cmp(amount) < 0 {
		return ErrIncorrectCashAmount
	}
	if payerAcct.FreeBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	payerAcct.FreeBalance = new(big.Int).Sub(payerAcct.FreeBalance, amount)
	payerAcct.CashBalance = new(big.Int).Add(payerAcct.CashBalance, amount)
	receiverAcct.CashBalance = new(big.Int).Sub(receiverAcct.CashBalance, amount)
	receiverAcct.FreeBalance = new(big.Int).Add(receiverAcct.FreeBalance, amount)
	if err := e.state.PutEscrowAccount(payer, currency, payerAcct); err != nil {
		return err
	}
	return e.state.PutEscrowAccount(receiver, currency, receiverAcct)
}

var bpsDenominator = big.NewInt(10_000)

// SettleCashBalanceWithDeposit pays the payer's cash debt in cashCurrency out
// of the payer's free balance in a different deposit currency. The deposit leg
// converts at the oracle rate with each deposit unit valued at the pair's
// settlement discount, so the receiver collects a premium for accepting
// non-cash collateral. Both cash balances move toward zero in cashCurrency.
func (e *Engine) SettleCashBalanceWithDeposit(payer, receiver types.Address, cashCurrency, depositCurrency types.Currency, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if depositCurrency == cashCurrency {
		return e.SettleCashBalance(payer, receiver, cashCurrency, amount)
	}
	if e.rates == nil {
		return errNilOracle
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	quote, err := e.rates.GetExchangeRate(string(cashCurrency), string(depositCurrency))
	if err != nil {
		return err
	}
	grossed := new(big.Int).Set(amount)
	if quote.SettlementBps > 0 {
		grossed, err = fixedmath.MulDiv(amount, bpsDenominator, new(big.Int).SetUint64(quote.SettlementBps))
		if err != nil {
			return err
		}
	}
	deposit, err := fixedmath.MulDiv(grossed, quote.RateDecimals, quote.Rate)
	if err != nil {
		return err
	}

	payerCash, err := e.ensureAccount(payer, cashCurrency)
	if err != nil {
		return err
	}
	receiverCash, err := e.ensureAccount(receiver, cashCurrency)
	if err != nil {
		return err
	}
	owed := new(big.Int).Neg(payerCash.CashBalance)
	if owed.Cmp(amount) < 0 || receiverCash.CashBalance.Cmp(amount) < 0 {
		return ErrIncorrectCashAmount
	}
	payerDeposit, err := e.ensureAccount(payer, depositCurrency)
	if err != nil {
		return err
	}
	if payerDeposit.FreeBalance.Cmp(deposit) < 0 {
		return ErrInsufficientBalance
	}
	receiverDeposit, err := e.ensureAccount(receiver, depositCurrency)
	if err != nil {
		return err
	}

	payerCash.CashBalance = new(big.Int).Add(payerCash.CashBalance, amount)
	receiverCash.CashBalance = new(big.Int).Sub(receiverCash.CashBalance, amount)
	payerDeposit.FreeBalance = new(big.Int).Sub(payerDeposit.FreeBalance, deposit)
	receiverDeposit.FreeBalance = new(big.Int).Add(receiverDeposit.FreeBalance, deposit)

	if err := e.state.PutEscrowAccount(payer, cashCurrency, payerCash); err != nil {
		return err
	}
	if err := e.state.PutEscrowAccount(receiver, cashCurrency, receiverCash); err != nil {
		return err
	}
	if err := e.state.PutEscrowAccount(payer, depositCurrency, payerDeposit); err != nil {
		return err
	}
	return e.state.PutEscrowAccount(receiver, depositCurrency, receiverDeposit)
}
