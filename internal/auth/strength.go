package auth

import (
	"fmt"
	"unicode/utf8"
)

// StrengthPolicy judges whether a proposed password is acceptable. Scoring
// lives outside this subsystem; the auth service only consumes the pass/fail
// verdict. A nil error means the password passes.
type StrengthPolicy interface {
	Check(password string) error
}

// StrengthFunc adapts a plain function to StrengthPolicy.
type StrengthFunc func(password string) error

// Check implements StrengthPolicy.
func (f StrengthFunc) Check(password string) error {
	return f(password)
}

// MinLength returns a policy that enforces only a length floor. Deployments
// with a real scorer wire that in through cmd/server instead.
func MinLength(n int) StrengthPolicy {
	return StrengthFunc(func(password string) error {
		if utf8.RuneCountInString(password) < n {
			return fmt.Errorf("password must be at least %d characters", n)
		}
		return nil
	})
}
