package spamcheck

import (
	"context"
	"io"

	"github.com/infodancer/smtpd/internal/policy"
)

// ScriptRunnerAdapter exposes a spam-check Checker as a policy.ScriptRunner,
// the concrete adapter for spec.md's DATA-stage script hook (§6 ScriptRunner
// external interface). Opts is evaluated fresh per Run call via OptsFunc so
// the adapter can be reused across transactions with different
// sender/recipient/IP context.
type ScriptRunnerAdapter struct {
	Checker         Checker
	OptsFunc        func() CheckOptions
	RejectThreshold float64
	TempThreshold   float64
}

// Run implements policy.ScriptRunner.
func (a *ScriptRunnerAdapter) Run(ctx context.Context, stage string, message io.Reader) (policy.ScriptResult, error) {
	opts := CheckOptions{}
	if a.OptsFunc != nil {
		opts = a.OptsFunc()
	}

	result, err := a.Checker.Check(ctx, message, opts)
	if err != nil {
		return policy.ScriptResult{}, err
	}

	switch {
	case result.ShouldReject(a.RejectThreshold):
		return policy.ScriptResult{Action: policy.Reject, Code: 550, Message: result.RejectMessage}, nil
	case result.ShouldTempFail(a.TempThreshold):
		return policy.ScriptResult{Action: policy.Reject, Code: 450, Message: result.RejectMessage}, nil
	case result.Action == ActionFlag:
		return policy.ScriptResult{Action: policy.Continue, Code: 0, Message: ""}, nil
	default:
		return policy.ScriptResult{Action: policy.Accept}, nil
	}
}

var _ policy.ScriptRunner = (*ScriptRunnerAdapter)(nil)
