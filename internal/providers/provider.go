// Package providers implements the PasswordProvider contract (spec.md
// §4.4) and its built-in implementations: LDAP (bind-search-bind) and
// Dummy (fixed-password, for tests and trivial deployments).
package providers

import "context"

// CheckResult is the outcome of a PasswordProvider.CheckUser call.
type CheckResult struct {
	Success     bool
	Username    string // canonical localpart, if the provider rewrites it
	Displayname string
	Admin       *bool
}

// PasswordProvider validates a (username, password) pair and, optionally,
// can change a user's password. When Success is true and Username is
// non-empty, the caller must adopt it as the canonical localpart.
type PasswordProvider interface {
	Name() string
	CheckUser(ctx context.Context, username, password string) (CheckResult, error)
}

// PasswordChanger is implemented by providers that support changing a
// user's password (spec.md §4.9 `password` API handler).
type PasswordChanger interface {
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) (bool, error)
}
