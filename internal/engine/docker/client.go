package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Eliobros/mozhost-mz/internal/engine"
)

const (
	tracerName         = "github.com/Eliobros/mozhost-mz/internal/engine/docker"
	defaultStopTimeout = 10
	killTimeout        = 5 * time.Second
)

var _ engine.Engine = (*Client)(nil)

// Client drives environments through the Docker Engine API.
type Client struct {
	inner       *client.Client
	tracer      trace.Tracer
	stopTimeout int
}

// Option customises a Client.
type Option func(*Client)

// WithTracerProvider routes engine spans to tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithStopTimeout sets the grace period in seconds before a stop kills the process.
func WithStopTimeout(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.stopTimeout = seconds
		}
	}
}

// New creates a new Docker client using environment defaults.
func New(host string, opts ...Option) (*Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	c := &Client{inner: inner, tracer: otel.Tracer(tracerName), stopTimeout: defaultStopTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	return c.traced(ctx, "engine.ping", "", func(ctx context.Context) error {
		ping, err := c.inner.Ping(ctx)
		if err != nil {
			return fmt.Errorf("docker ping: %w", err)
		}
		if ping.APIVersion == "" {
			return fmt.Errorf("docker ping returned empty API version")
		}
		return nil
	})
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// traced runs fn inside a span named op, recording failures on the span.
func (c *Client) traced(ctx context.Context, op, handle string, fn func(context.Context) error) error {
	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	spanCtx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("environment.handle", handle)))
	defer span.End()

	err := fn(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	return err
}

// translate maps Docker not-found errors onto engine.ErrNotFound.
func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", msg, engine.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.ErrNotFound) || errdefs.IsNotFound(err)
}
