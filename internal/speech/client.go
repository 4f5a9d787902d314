// Package speech generates playable speech audio from text through a
// text-to-speech provider, with input validation, bounded retries and an
// optional audio cache used as a fallback when the provider is unavailable.
package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snarg/readalong/internal/audio"
	"github.com/snarg/readalong/internal/fault"
	"github.com/snarg/readalong/internal/metrics"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultMaxTextLength = 5000
)

// Options tunes a Client. Zero values take the defaults above.
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	Timeout       time.Duration
	MaxTextLength int
	// RequestsPerSecond paces outbound provider calls across all callers; 0 disables.
	RequestsPerSecond float64
	// Format is the provider output format, used to decode cached payloads.
	Format string
	Cache  AudioCache
}

// Client is the speech generation client. It holds no per-request state and is
// safe for concurrent use.
type Client struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	log      zerolog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// FallbackError is returned when the retry budget is exhausted but a cached
// rendering of the same request exists. Callers may play Fallback instead.
type FallbackError struct {
	Err      error
	Fallback *Result
}

func (e *FallbackError) Error() string { return e.Err.Error() }
func (e *FallbackError) Unwrap() error { return e.Err }

// NewClient creates a speech client for the given provider.
func NewClient(provider Provider, opts Options, log zerolog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultMaxTextLength
	}
	c := &Client{
		provider: provider,
		opts:     opts,
		log:      log.With().Str("component", "speech").Logger(),
		sleep:    sleepCtx,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// Validate checks a request without contacting the provider.
func (c *Client) Validate(req Request) error {
	n := utf8.RuneCountInString(req.Text)
	if n == 0 {
		return fault.New(fault.KindValidation, "generate", "text is empty")
	}
	if n > c.opts.MaxTextLength {
		return fault.New(fault.KindValidation, "generate", "text is %d characters, limit is %d", n, c.opts.MaxTextLength)
	}
	return nil
}

// Generate renders req into a decoded Result. Every returned error unwraps to
// a *fault.Error.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := c.Validate(req); err != nil {
		metrics.SpeechRequestsTotal.WithLabelValues(string(fault.KindValidation)).Inc()
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.generate(ctx, req)
	elapsed := time.Since(start)
	metrics.SpeechGenerationDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.SpeechRequestsTotal.WithLabelValues(string(fault.KindOf(err))).Inc()
		c.log.Warn().Err(err).
			Str("kind", string(fault.KindOf(err))).
			Int("text_length", utf8.RuneCountInString(req.Text)).
			Dur("elapsed", elapsed).
			Msg("speech generation failed")
		return nil, c.withFallback(req, err)
	}

	metrics.SpeechRequestsTotal.WithLabelValues("ok").Inc()
	res.Metadata.GenerationTime = elapsed
	c.log.Debug().
		Int("text_length", res.Metadata.TextLength).
		Int("attempts", res.Metadata.Attempts).
		Float64("duration_s", res.Duration).
		Dur("elapsed", elapsed).
		Msg("speech generated")

	c.store(req, res)
	return res, nil
}

func (c *Client) generate(ctx context.Context, req Request) (*Result, error) {
	var last *fault.Error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.timeout(attempt-1, last, err)
			}
		}

		payload, err := c.provider.Synthesize(ctx, req)
		if err == nil {
			metrics.SpeechAttemptsTotal.WithLabelValues("ok").Inc()
			return c.decode(req, payload, attempt)
		}

		if ctx.Err() != nil {
			metrics.SpeechAttemptsTotal.WithLabelValues(string(fault.KindTimeout)).Inc()
			return nil, c.timeout(attempt, last, ctx.Err())
		}

		last = classify(err)
		last.Attempts = attempt
		metrics.SpeechAttemptsTotal.WithLabelValues(string(last.Kind)).Inc()
		if !last.Kind.Retryable() || attempt == c.opts.MaxAttempts {
			return nil, last
		}

		delay := c.opts.BaseDelay * time.Duration(attempt)
		if last.Kind == fault.KindRateLimit && last.RetryAfter > delay {
			delay = last.RetryAfter
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			// Waiting would outlive the overall timeout. Rate limits go back to
			// the caller with the hint; transient failures become a timeout.
			if last.Kind == fault.KindRateLimit {
				return nil, last
			}
			return nil, c.timeout(attempt, last, context.DeadlineExceeded)
		}

		c.log.Debug().Int("attempt", attempt).Str("kind", string(last.Kind)).Dur("delay", delay).Msg("retrying speech generation")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.timeout(attempt, last, err)
		}
	}
	return nil, last
}

func (c *Client) decode(req Request, payload *Payload, attempts int) (*Result, error) {
	buf, err := audio.Decode(payload.Format, payload.Data)
	if err != nil {
		e := fault.Wrap(fault.KindDecode, "generate", err)
		e.Attempts = attempts
		return nil, e
	}
	return &Result{
		Audio:    payload.Data,
		Format:   payload.Format,
		Buffer:   buf,
		Duration: buf.Duration(),
		Metadata: Metadata{
			TextLength: utf8.RuneCountInString(req.Text),
			VoiceID:    req.VoiceID,
			ModelID:    req.ModelID,
			Provider:   c.provider.Name(),
			Attempts:   attempts,
			SampleRate: buf.SampleRate,
			Channels:   buf.Channels,
		},
	}, nil
}

// timeout converts a context failure into a classified error. A caller
// cancellation is reported with the last provider failure kind when one exists.
func (c *Client) timeout(attempts int, last *fault.Error, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		e := &fault.Error{
			Kind:     fault.KindTimeout,
			Op:       "generate",
			Message:  fmt.Sprintf("no audio within %s", c.opts.Timeout),
			Attempts: attempts,
			Err:      cause,
		}
		return e
	}
	if last != nil {
		return last
	}
	e := fault.Wrap(fault.KindTransient, "generate", cause)
	e.Attempts = attempts
	return e
}

// classify maps a provider failure onto the error taxonomy.
func classify(err error) *fault.Error {
	var se *StatusError
	if !errors.As(err, &se) {
		// transport failure
		return fault.Wrap(fault.KindTransient, "generate", err)
	}
	e := &fault.Error{Op: "generate", Message: se.Message, Err: se}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		e.Kind = fault.KindAuth
	case se.StatusCode == http.StatusTooManyRequests:
		e.Kind = fault.KindRateLimit
		e.RetryAfter = se.RetryAfter
	case se.StatusCode >= 500:
		e.Kind = fault.KindTransient
	case se.StatusCode == http.StatusRequestTimeout:
		e.Kind = fault.KindTransient
	default:
		e.Kind = fault.KindBadRequest
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("status %d", se.StatusCode)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
