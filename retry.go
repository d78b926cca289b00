package stepflow

// RetryBuilder provides a fluent way to construct the RuntimeOptions of a
// flow or step.
type RetryBuilder struct {
	opts RuntimeOptions
}

// Retry creates a RetryBuilder allowing maxAttempts attempts in total.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{opts: RuntimeOptions{MaxAttempts: Int(maxAttempts)}}
}

// WithBaseDelay sets the base delay in seconds. Retries wait
// baseDelay * 2^(attempt-1) seconds, capped at five minutes.
func (r RetryBuilder) WithBaseDelay(seconds int) RetryBuilder {
	o := r.opts
	o.BaseDelay = Int(seconds)
	return RetryBuilder{opts: o}
}

// WithTimeout sets how many seconds one attempt may run.
func (r RetryBuilder) WithTimeout(seconds int) RetryBuilder {
	o := r.opts
	o.Timeout = Int(seconds)
	return RetryBuilder{opts: o}
}

// Options returns the RuntimeOptions to pass to NewFlow.
func (r RetryBuilder) Options() RuntimeOptions {
	return r.opts
}

// StepOptions returns step options carrying the same runtime options,
// for StepConfig.Options.
func (r RetryBuilder) StepOptions() StepOptions {
	return StepOptions{RuntimeOptions: r.opts}
}
