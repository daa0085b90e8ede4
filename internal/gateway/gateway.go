// Package gateway wraps the external generative capability behind three
// decision gateways (perception, coach, verifier). Every gateway returns a
// well-typed value: on any failure the documented fallback is substituted and
// the failure is reported alongside it, never raised.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/imagedata"
	"golang.org/x/time/rate"
)

// Generator is the opaque generative capability: it accepts a prompt and an
// optional image and returns raw text.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GenerateRequest is a single call to the generator.
type GenerateRequest struct {
	Model  string
	Prompt string
	Image  *imagedata.Image
}

// Recorder receives per-call gateway telemetry.
type Recorder interface {
	ObserveGatewayCall(gateway, outcome string, duration time.Duration)
}

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindTransport   ErrorKind = "transport"
	KindMalformed   ErrorKind = "malformed"
	KindImage       ErrorKind = "image"
	KindPrompt      ErrorKind = "prompt"
	KindRateLimited ErrorKind = "rate_limited"
)

// GatewayError describes why a gateway fell back.
type GatewayError struct {
	Gateway string
	Kind    ErrorKind
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway %s: %v", e.Gateway, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Result carries a gateway value. When Err is non-nil, Value is the fallback.
type Result[R any] struct {
	Value R
	Err   *GatewayError
}

// Fallback reports whether the value is the gateway's fallback.
func (r Result[R]) Fallback() bool {
	return r.Err != nil
}

// Invoker is the capability shape shared by all gateways.
type Invoker[C, R any] interface {
	Invoke(ctx context.Context, in C) Result[R]
}

// Contract binds a gateway name and model to its request and response handling.
type Contract[C, R any] struct {
	Name  string
	Model string
	// Render builds the prompt from a typed context.
	Render func(C) (string, error)
	// Image returns the base64 payload to attach, if the gateway takes one.
	Image func(C) string
	// Parse validates the raw response against the gateway schema.
	Parse func(text string) (R, error)
	// Fallback builds the safe value returned on failure.
	Fallback func(err error) R
}

// Options tune the call envelope shared by all gateways.
type Options struct {
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Recorder Recorder
	Logger   *slog.Logger
}

// Gateway is a generic decision gateway.
type Gateway[C, R any] struct {
	contract Contract[C, R]
	gen      Generator
	opts     Options
}

// New creates a gateway for the given contract.
func New[C, R any](gen Generator, contract Contract[C, R], opts Options) *Gateway[C, R] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway[C, R]{contract: contract, gen: gen, opts: opts}
}

// Invoke runs one bounded call and never fails: errors become the fallback.
func (g *Gateway[C, R]) Invoke(ctx context.Context, in C) Result[R] {
	start := time.Now()
	value, err := g.invoke(ctx, in)

	outcome := "ok"
	var gwErr *GatewayError
	if err != nil {
		if !errors.As(err, &gwErr) {
			gwErr = &GatewayError{Gateway: g.contract.Name, Kind: KindTransport, Err: err}
		}
		outcome = string(gwErr.Kind)
		value = g.contract.Fallback(gwErr.Err)
		g.opts.Logger.Warn("Gateway call failed, using fallback",
			"gateway", g.contract.Name,
			"kind", gwErr.Kind,
			"error", gwErr.Err,
		)
	}

	if g.opts.Recorder != nil {
		g.opts.Recorder.ObserveGatewayCall(g.contract.Name, outcome, time.Since(start))
	}
	return Result[R]{Value: value, Err: gwErr}
}

func (g *Gateway[C, R]) invoke(ctx context.Context, in C) (R, error) {
	var zero R

	prompt, err := g.contract.Render(in)
	if err != nil {
		return zero, g.fail(KindPrompt, err)
	}

	var img *imagedata.Image
	if g.contract.Image != nil {
		img, err = imagedata.Decode(g.contract.Image(in))
		if err != nil {
			return zero, g.fail(KindImage, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	if g.opts.Limiter != nil {
		if err := g.opts.Limiter.Wait(callCtx); err != nil {
			return zero, g.fail(KindRateLimited, err)
		}
	}

	text, err := g.generate(callCtx, GenerateRequest{Model: g.contract.Model, Prompt: prompt, Image: img})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, g.fail(KindTimeout, err)
		}
		return zero, g.fail(KindTransport, err)
	}

	value, err := g.contract.Parse(text)
	if err != nil {
		return zero, g.fail(KindMalformed, err)
	}
	return value, nil
}

type generated struct {
	text string
	err  error
}

// generate bounds the call by ctx even when the generator ignores it.
func (g *Gateway[C, R]) generate(ctx context.Context, req GenerateRequest) (string, error) {
	done := make(chan generated, 1)
	go func() {
		text, err := g.gen.Generate(ctx, req)
		done <- generated{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gateway[C, R]) fail(kind ErrorKind, err error) *GatewayError {
	return &GatewayError{Gateway: g.contract.Name, Kind: kind, Err: err}
}
