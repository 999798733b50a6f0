package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"dario.cat/mergo"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// TransactionIDParam is the parameter key carrying the transaction id of a
// transactional step
const TransactionIDParam = "transaction_id"

// DefaultStepTimeout applies when neither the step nor the config sets one
const DefaultStepTimeout = 5 * time.Minute

// Config holds executor configuration
type Config struct {
	// DefaultTimeout applies to steps without their own timeout
	DefaultTimeout time.Duration

	// BackoffMultiplier overrides the default multiplier for steps that do
	// not set their own
	BackoffMultiplier float64
}

// Executor runs steps. It holds no per-step state between calls.
type Executor struct {
	invoker  ports.PluginInvoker
	txm      ports.TransactionManager
	reporter ports.ProgressReporter
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	cfg      Config
}

// Option customises an Executor
type Option func(*Executor)

// WithTransactionManager enables transactional steps
func WithTransactionManager(txm ports.TransactionManager) Option {
	return func(e *Executor) { e.txm = txm }
}

// WithReporter sets the progress reporter
func WithReporter(r ports.ProgressReporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithMetrics sets the metrics collector
func WithMetrics(m ports.MetricsCollector) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates a step executor
func New(invoker ports.PluginInvoker, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		invoker: invoker,
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions tune a single Run call
type RunOptions struct {
	// ExecutionID is used for progress reporting and logs
	ExecutionID string

	// DisableRetries forces a single attempt regardless of MaxRetries
	DisableRetries bool
}

// Run executes step with the given inputs and returns its result. Run never
// returns an error: failures are recorded on the result.
func (e *Executor) Run(ctx context.Context, step *domain.StepDefinition, inputs map[string]interface{}, opts RunOptions) *domain.StepResult {
	started := time.Now()
	result := &domain.StepResult{
		StepID:    step.ID,
		Status:    domain.StepStatusRunning,
		StartedAt: &started,
	}

	logger := e.logger.With(
		zap.String("execution_id", opts.ExecutionID),
		zap.String("step_id", step.ID),
		zap.String("plugin_id", step.PluginID),
		zap.String("command", step.Command))

	e.report(opts.ExecutionID, step.ID, domain.StepStatusRunning, 0)

	params, err := mergeParams(step.Parameters, inputs)
	if err != nil {
		return e.finish(result, started, logger, opts, domain.StepErrorInvocationFailed, err)
	}

	var txID string
	if step.Transactional && e.txm != nil {
		txID, err = e.txm.Begin(ctx)
		if err != nil {
			return e.finish(result, started, logger, opts, domain.StepErrorInvocationFailed,
				fmt.Errorf("failed to begin transaction: %w", err))
		}
		params[TransactionIDParam] = txID
		result.TransactionID = txID
	}

	maxRetries := step.MaxRetries
	if opts.DisableRetries {
		maxRetries = 0
	}
	timeout := step.StepTimeout(e.cfg.DefaultTimeout)

	var (
		output  map[string]interface{}
		lastErr error
	)
	operation := func() error {
		result.Attempts++
		if result.Attempts > 1 && e.metrics != nil {
			e.metrics.RecordStepRetry()
		}

		out, err := e.invoke(ctx, step, domain.CloneMap(params), timeout)
		if err == nil {
			output = out
			return nil
		}
		lastErr = err
		if domain.IsNonRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("step attempt failed, retrying",
			zap.Int("attempt", result.Attempts),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(e.newBackoff(step), uint64(maxRetries)),
		ctx)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if txID != "" {
			e.abort(ctx, txID, result, logger)
		}

		kind := domain.StepErrorInvocationFailed
		switch {
		case ctx.Err() != nil:
			kind = domain.StepErrorCancelled
			if !errors.Is(lastErr, ctx.Err()) {
				lastErr = fmt.Errorf("%w: %v", ctx.Err(), lastErr)
			}
		case errors.Is(lastErr, domain.ErrStepTimeout):
			kind = domain.StepErrorTimeout
		case maxRetries > 0 && result.Attempts > maxRetries && !domain.IsNonRetryable(lastErr):
			kind = domain.StepErrorRetriesExhausted
		}
		return e.finish(result, started, logger, opts, kind, lastErr)
	}

	if txID != "" {
		if err := e.txm.Prepare(ctx, txID); err != nil {
			e.abort(ctx, txID, result, logger)
			return e.finish(result, started, logger, opts, domain.StepErrorInvocationFailed,
				fmt.Errorf("failed to prepare transaction: %w", err))
		}
		result.Transaction = domain.TransactionPrepared
	}

	result.Output = output
	return e.finish(result, started, logger, opts, "", nil)
}

// invoke runs one attempt. It stops waiting at the deadline; the plugin
// call keeps its cancelled context and its late result is discarded.
func (e *Executor) invoke(ctx context.Context, step *domain.StepDefinition, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.NonRetryable(fmt.Errorf("plugin panicked: %v", r))}
			}
		}()
		out, err := e.invoker.Invoke(attemptCtx, step.PluginID, step.Command, params)
		done <- outcome{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", domain.ErrStepTimeout, timeout, res.err)
		}
		return res.output, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", domain.ErrStepTimeout, timeout)
	}
}

func (e *Executor) newBackoff(step *domain.StepDefinition) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = step.RetryDelay.Std()
	b.Multiplier = step.Multiplier(e.cfg.BackoffMultiplier)
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Executor) finish(result *domain.StepResult, started time.Time, logger *zap.Logger, opts RunOptions, kind domain.StepErrorKind, err error) *domain.StepResult {
	ended := time.Now()
	result.EndedAt = &ended

	if err != nil {
		result.Status = domain.StepStatusFailed
		result.ErrorKind = kind
		result.ErrorMessage = err.Error()
		logger.Error("step failed",
			zap.Int("attempts", result.Attempts),
			zap.String("error_kind", string(kind)),
			zap.Error(err))
	} else {
		result.Status = domain.StepStatusSucceeded
		logger.Info("step succeeded",
			zap.Int("attempts", result.Attempts),
			zap.Duration("duration", ended.Sub(started)))
	}

	if e.metrics != nil {
		e.metrics.RecordStepFinished(string(result.Status), ended.Sub(started))
	}
	e.report(opts.ExecutionID, result.StepID, result.Status, 1)
	return result
}

func (e *Executor) abort(ctx context.Context, txID string, result *domain.StepResult, logger *zap.Logger) {
	if err := e.txm.Abort(context.WithoutCancel(ctx), txID); err != nil {
		logger.Error("failed to abort transaction",
			zap.String("transaction_id", txID),
			zap.Error(err))
		return
	}
	result.Transaction = domain.TransactionAborted
}

func (e *Executor) report(executionID, stepID string, status domain.StepStatus, delta float64) {
	if e.reporter == nil || executionID == "" {
		return
	}
	e.reporter.Report(executionID, stepID, status, delta)
}

// mergeParams deep copies the step parameters and fills in inputs for keys
// the parameters do not set
func mergeParams(params, inputs map[string]interface{}) (map[string]interface{}, error) {
	merged := domain.CloneMap(params)
	if merged == nil {
		merged = make(map[string]interface{}, len(inputs))
	}
	if len(inputs) == 0 {
		return merged, nil
	}
	if err := mergo.Merge(&merged, domain.CloneMap(inputs)); err != nil {
		return nil, fmt.Errorf("failed to merge inputs into parameters: %w", err)
	}
	return merged, nil
}
