package stake

import (
	"errors"
	"fmt"
	"time"
)

// Precondition failures surfaced to callers. Time-gated failures carry the
// remaining wait as a typed error.
var (
	ErrInvalidTier           = errors.New("tier does not exist or is inactive")
	ErrInvalidDuration       = errors.New("duration outside tier bounds")
	ErrBelowMinimumAmount    = errors.New("amount below minimum stake")
	ErrInvalidSeed           = errors.New("invalid position seed")
	ErrSeedInUse             = errors.New("position seed already in use")
	ErrNotFound              = errors.New("not found")
	ErrNotActive             = errors.New("position is not active")
	ErrStillActive           = errors.New("position is still active")
	ErrCooldownAlreadyActive = errors.New("cooldown already in progress")
	ErrNoCooldown            = errors.New("no cooldown in progress")
	ErrNothingAccrued        = errors.New("no whole week accrued since last accrual")
	ErrNoReward              = errors.New("reward rounds to zero")
	ErrAlreadyVested         = errors.New("receipt already vested")
	ErrProgramPaused         = errors.New("program is paused")
)

// CooldownNotElapsedError reports how long until a cooldown can be finalized.
type CooldownNotElapsedError struct {
	Remaining time.Duration
}

func (e *CooldownNotElapsedError) Error() string {
	return fmt.Sprintf("cooldown not elapsed: %s remaining", e.Remaining)
}

// TooSoonToClaimError reports how long until the next claim is allowed.
type TooSoonToClaimError struct {
	Remaining time.Duration
}

func (e *TooSoonToClaimError) Error() string {
	return fmt.Sprintf("too soon to claim: %s remaining", e.Remaining)
}

// VestingNotCompleteError reports how long until a receipt vests.
type VestingNotCompleteError struct {
	Remaining time.Duration
}

func (e *VestingNotCompleteError) Error() string {
	days := int(e.Remaining.Hours()/24) + 1
	return fmt.Sprintf("vesting not complete: about %d day(s) remaining", days)
}
