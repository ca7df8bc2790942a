package common

import "fmt"

// Code is the stable numeric identifier attached to every failure condition.
// Codes are grouped by component: 1-9 numeric, 10-29 market, 30-39 collateral,
// 40-49 settlement. Codes are part of the public surface and must never be
// renumbered.
type Code uint16

const (
	CodeAdditionOverflow       Code = 1
	CodeSubtractionUnderflow   Code = 2
	CodeMultiplicationOverflow Code = 3
	CodeDivisionByZero         Code = 4
	CodeNegativeLog            Code = 5
	CodeExpOverflow            Code = 6
	CodeInvalidAmount          Code = 7

	CodeMarketInactive       Code = 10
	CodeInvalidRateFactors   Code = 11
	CodeTradeMaxTime         Code = 12
	CodeTradeSlippage        Code = 13
	CodeTradeTooLarge        Code = 14
	CodeTradeLackOfLiquidity Code = 15
	CodeProportionOutOfRange Code = 16
	CodeUnknownGroup         Code = 17

	CodeInsufficientBalance        Code = 30
	CodeInsufficientFreeCollateral Code = 31
	CodeOverMaxCollateral          Code = 32
	CodeCannotLiquidate            Code = 33

	CodeIncorrectCashAmount Code = 40
	CodeRaiseCashFailed     Code = 41
)

// Error couples a named failure condition with its stable numeric code. Two
// errors compare equal under errors.Is when their codes match, so callers can
// test either against the package sentinel or a reconstructed code.
type Error struct {
	code Code
	msg  string
}

// NewError constructs a coded error. Components declare these as package-level
// sentinels.
func NewError(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Code returns the stable numeric code of the condition.
func (e *Error) Code() Code {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (code %d)", e.msg, e.code)
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.code == other.code
}
