package toolcall

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Placeholder is returned by Lookup when the tool name cannot be recovered.
const Placeholder = "unknown_tool"

// Outcomes passed to the observer.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Correlator wraps a Store with bounded retries and lossy degradation: a
// failed write is logged and a failed read yields Placeholder, so a storage
// outage never fails the request that triggered it.
type Correlator struct {
	store    Store
	ttl      time.Duration
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	observe  func(op, outcome string)
}

type Option func(*Correlator)

func WithTTL(ttl time.Duration) Option {
	return func(c *Correlator) { c.ttl = ttl }
}

// WithRetry sets the number of attempts per operation and the fixed delay
// between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Correlator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Correlator) { c.sleep = fn }
}

// WithObserver is called once per Record/Lookup with the final outcome.
func WithObserver(fn func(op, outcome string)) Option {
	return func(c *Correlator) { c.observe = fn }
}

func NewCorrelator(store Store, opts ...Option) *Correlator {
	c := &Correlator{
		store:    store,
		ttl:      DefaultTTL,
		attempts: 3,
		delay:    100 * time.Millisecond,
		sleep:    sleepCtx,
		observe:  func(string, string) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Record stores every record for the conversation. Failures are logged and
// returned, but callers are expected to carry on.
func (c *Correlator) Record(ctx context.Context, conversation string, recs ...Record) error {
	var errs []error
	for _, rec := range recs {
		if err := c.put(ctx, "record", conversation, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordResults upserts the results a client submitted for earlier tool
// calls. The stored name and arguments are kept; a result whose name is
// unknown both here and in the store is skipped.
func (c *Correlator) RecordResults(ctx context.Context, conversation string, results ...Record) error {
	var errs []error
	for _, rec := range results {
		prev, err := c.Get(ctx, conversation, rec.ToolUseID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			slog.WarnContext(ctx, "toolcall_result_read_failed",
				slog.String("conversation", conversation),
				slog.String("tool_use_id", rec.ToolUseID),
				slog.String("error", err.Error()),
			)
		}
		if prev.ToolName != "" {
			rec.ToolName = prev.ToolName
		}
		if rec.Args == "" {
			rec.Args = prev.Args
		}
		if rec.ToolName == "" {
			continue
		}
		if err := c.put(ctx, "result", conversation, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Correlator) put(ctx context.Context, op, conversation string, rec Record) error {
	err := c.retry(ctx, func() error {
		return c.store.Put(ctx, conversation, rec, c.ttl)
	})
	if err != nil {
		slog.WarnContext(ctx, "toolcall_"+op+"_failed",
			slog.String("conversation", conversation),
			slog.String("tool_use_id", rec.ToolUseID),
			slog.String("error", err.Error()),
		)
		c.observe(op, OutcomeError)
		return err
	}
	c.observe(op, OutcomeOK)
	return nil
}

// Get returns the stored record, retrying transient failures.
func (c *Correlator) Get(ctx context.Context, conversation, toolUseID string) (Record, error) {
	var rec Record
	err := c.retry(ctx, func() error {
		var err error
		rec, err = c.store.Get(ctx, conversation, toolUseID)
		return err
	})
	return rec, err
}

// Lookup returns the tool name recorded for toolUseID, or Placeholder.
func (c *Correlator) Lookup(ctx context.Context, conversation, toolUseID string) string {
	rec, err := c.Get(ctx, conversation, toolUseID)
	switch {
	case errors.Is(err, ErrNotFound):
		slog.WarnContext(ctx, "toolcall_not_found",
			slog.String("conversation", conversation),
			slog.String("tool_use_id", toolUseID),
		)
		c.observe("lookup", OutcomeNotFound)
		return Placeholder
	case err != nil:
		slog.WarnContext(ctx, "toolcall_lookup_failed",
			slog.String("conversation", conversation),
			slog.String("tool_use_id", toolUseID),
			slog.String("error", err.Error()),
		)
		c.observe("lookup", OutcomeError)
		return Placeholder
	}
	c.observe("lookup", OutcomeOK)
	if rec.ToolName == "" {
		return Placeholder
	}
	return rec.ToolName
}

// retry runs fn up to c.attempts times. ErrNotFound is final.
func (c *Correlator) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == c.attempts {
			break
		}
		if serr := c.sleep(ctx, c.delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
