package model

import "errors"

// Rejections of a bet or resolution. Callers fix their input and resubmit.
var (
	ErrNoSuchMarket          = errors.New("no such market")
	ErrMarketAlreadyResolved = errors.New("market already resolved")
	ErrUserNotRegistered     = errors.New("user is not registered")
	ErrAlreadyVoted          = errors.New("user has already bet on this market")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNotCreator            = errors.New("caller is not the market creator")

	ErrAlreadyRegistered = errors.New("user is already registered")
	ErrUserNotFound      = errors.New("no such user")
	ErrInvalidSide       = errors.New("side must be YES or NO")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidLiquidity  = errors.New("liquidity must be positive")
	ErrInvalidQuestion   = errors.New("question must not be empty")
	ErrAnonymousCaller   = errors.New("caller identity is required")
)

// Errors from the operation router.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidArguments = errors.New("invalid operation arguments")
)

// ErrInvariantViolation marks state that cannot occur unless something
// outside the engine corrupted the store. It is never a user error.
var ErrInvariantViolation = errors.New("internal invariant violated")

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNoSuchMarket, "NoSuchMarket"},
	{ErrMarketAlreadyResolved, "MarketAlreadyResolved"},
	{ErrUserNotRegistered, "UserNotRegistered"},
	{ErrAlreadyVoted, "AlreadyVoted"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrNotCreator, "NotCreator"},
	{ErrAlreadyRegistered, "AlreadyRegistered"},
	{ErrUserNotFound, "UserNotFound"},
	{ErrInvalidSide, "InvalidSide"},
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrInvalidLiquidity, "InvalidLiquidity"},
	{ErrInvalidQuestion, "InvalidQuestion"},
	{ErrAnonymousCaller, "AnonymousCaller"},
	{ErrUnknownOperation, "UnknownOperation"},
	{ErrInvalidArguments, "InvalidArguments"},
	{ErrInvariantViolation, "InvariantViolation"},
}

// ErrorCode returns the stable name of the domain error wrapped by err,
// or "Internal" when err is not a domain error.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "Internal"
}
