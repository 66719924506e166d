// Package lockout holds the account-lockout decision logic. The functions
// are pure: state lives on the auth record and callers supply the clock, so
// concurrent logins serialize on the database row rather than on anything in
// this package.
package lockout

import "time"

const (
	// Threshold is the number of consecutive failed attempts that locks the
	// account.
	Threshold = 5
	// Duration is how long a triggered lock lasts.
	Duration = 15 * time.Minute
)

// IsLocked reports whether a lockout window is still open at now. A nil or
// elapsed lockoutUntil means the account accepts attempts again; the stored
// counter is only cleared by a later successful login.
func IsLocked(lockoutUntil *time.Time, now time.Time) bool {
	return lockoutUntil != nil && lockoutUntil.After(now)
}

// NextFailure returns the counter value to persist after one more failed
// attempt, and the lockout deadline to set when that attempt crosses the
// threshold (nil otherwise). Counting continues past the threshold so the
// record reflects attempts made during an open window.
func NextFailure(failedAttempts int, now time.Time) (int, *time.Time) {
	if failedAttempts < 0 {
		failedAttempts = 0
	}
	next := failedAttempts + 1
	if next < Threshold {
		return next, nil
	}
	until := now.Add(Duration)
	return next, &until
}

// Remaining returns how many failed attempts are left before the account
// locks. Zero means the next failure (or a past one) triggers the lock.
func Remaining(failedAttempts int) int {
	if failedAttempts >= Threshold {
		return 0
	}
	return Threshold - failedAttempts
}
