package providers

import "context"

// Dummy is the trivial PasswordProvider used in tests and for bootstrap
// deployments: it accepts any username whose password matches a single
// configured constant.
type Dummy struct {
	ValidPassword string
}

func (d *Dummy) Name() string { return "dummy" }

func (d *Dummy) CheckUser(_ context.Context, _, password string) (CheckResult, error) {
	return CheckResult{Success: password == d.ValidPassword}, nil
}
