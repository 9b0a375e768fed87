package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OrbitError is satisfied by every typed error this subsystem returns.
// User-facing surfaces may type-assert to OrbitError to extract a stable
// code and safe context without leaking raw SQL, credentials, or stack
// traces (see the error propagation policy).
type OrbitError interface {
	error
	Code() string
	Context() map[string]any
}

type baseError struct {
	code    string
	msg     string
	adapter string
	ctx     map[string]any
	wrapped error
}

func (e *baseError) Error() string {
	if e.adapter != "" {
		return fmt.Sprintf("%s: %s: %s", e.code, e.adapter, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *baseError) Code() string { return e.code }

func (e *baseError) Context() map[string]any {
	out := make(map[string]any, len(e.ctx)+1)
	for k, v := range e.ctx {
		out[k] = v
	}
	if e.adapter != "" {
		out["adapter"] = e.adapter
	}
	return out
}

func (e *baseError) Unwrap() error { return e.wrapped }

func newErr(code, adapter, msg string, wrapped error, ctx map[string]any) *baseError {
	return &baseError{code: code, msg: msg, adapter: adapter, ctx: ctx, wrapped: wrapped}
}

// NewTemplateRenderError reports a strict-rendering failure: an unknown
// placeholder or an undeclared parameter used in a query body.
func NewTemplateRenderError(adapter, templateID, msg string) OrbitError {
	return newErr("TemplateRenderError", adapter, msg, nil, map[string]any{"template_id": templateID})
}

// NewDatasourceError reports a datasource call that exhausted C7's retry
// budget.
func NewDatasourceError(adapter string, cause error) OrbitError {
	return newErr("DatasourceError", adapter, "datasource call failed", cause, nil)
}

// NewCircuitOpenError reports that a call was rejected because the
// adapter's breaker is open. retryAfter mirrors the breaker's
// recovery_timeout for a 503 Retry-After header at the transport edge.
func NewCircuitOpenError(adapter string, retryAfter time.Duration) OrbitError {
	return newErr("CircuitOpenError", adapter, "circuit breaker is open", nil, map[string]any{"retry_after": retryAfter})
}

// NewAdapterNotFoundError reports a registry lookup miss.
func NewAdapterNotFoundError(adapter string) OrbitError {
	return newErr("AdapterNotFoundError", adapter, "adapter not registered", nil, nil)
}

// NewConfigError reports an invalid adapter or template configuration.
func NewConfigError(adapter, msg string) OrbitError {
	return newErr("ConfigError", adapter, msg, nil, nil)
}

// NewParameterExtractionError reports a failure to extract a required
// template parameter from the natural-language query.
func NewParameterExtractionError(adapter, templateID, param string) OrbitError {
	return newErr("ParameterExtractionError", adapter, "missing required parameter", nil,
		map[string]any{"template_id": templateID, "parameter": param})
}

// IsRetryable implements spec.md §4.7's "per-exception-class" retry gate:
// timeouts and datasource failures are retried, BadRequest-class errors
// (a malformed parameter or an unrenderable template can never succeed on
// retry) are not. Adapted from the author's errors.IsRetryable
// (pre-processor/app/utils/errors/classifier.go), narrowed to this
// subsystem's own error codes rather than HTTP status classes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var oerr OrbitError
	if errors.As(err, &oerr) {
		return oerr.Code() == "DatasourceError"
	}
	return false
}
