package upload

import (
	"errors"
	"fmt"
)

// Kind classifies why an upload did not complete.
type Kind string

const (
	// KindLocal covers problems with the source file itself.
	KindLocal Kind = "local"
	// KindNetwork covers transport errors and retryable statuses once the
	// attempt budget is spent.
	KindNetwork Kind = "network"
	// KindRejected is a permanent refusal from the platform.
	KindRejected Kind = "rejected"
)

// Failure is the terminal error of Upload.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the failure kind of err, or "" when err is not a Failure.
func KindOf(err error) Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return ""
}

func localFailure(reason string, err error) *Failure {
	return &Failure{Kind: KindLocal, Reason: reason, Err: err}
}

func networkFailure(reason string, err error) *Failure {
	return &Failure{Kind: KindNetwork, Reason: reason, Err: err}
}

func rejectedFailure(reason string, err error) *Failure {
	return &Failure{Kind: KindRejected, Reason: reason, Err: err}
}
