// Package remote consumes the remote agent's server-push event stream and
// turns file-mutating messages into change events.
//
// The adapter holds one long-lived GET open against the endpoint. When the
// connection drops, for any reason, it logs ConnectionLost, waits a fixed
// delay and reconnects, forever, until its context is cancelled. It never
// touches the filesystem.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/metrics"
	"github.com/manwonyori/gitsyncd/internal/model"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ErrStreamClosed is returned when the server ends the stream.
var ErrStreamClosed = errors.New("event stream closed by server")

// Sink receives change events. *queue.Queue implements it.
type Sink interface {
	Push(model.ChangeEvent)
}

// Status describes the connection state, for observers.
type Status struct {
	Connected bool      `json:"connected"`
	Endpoint  string    `json:"endpoint"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Config configures an Adapter.
type Config struct {
	// Endpoint is the stream URL.
	Endpoint string

	// Header is sent with every connection attempt (Authorization etc).
	Header http.Header

	// Root is the repository root used to relativize absolute paths.
	Root string

	// Markers select mutating methods. Empty uses DefaultMarkers.
	Markers []string

	// ReconnectDelay is the fixed backoff. Zero uses DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Excludes are repository-relative prefixes whose mutations are
	// dropped (the VCS directory, the daemon's state directory).
	Excludes []string
}

// Adapter streams mutations from the remote agent into a Sink.
type Adapter struct {
	cfg      Config
	client   *http.Client
	sink     Sink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onStatus []func(Status)
}

// New creates an adapter. client may be nil.
func New(cfg Config, sink Sink, client *http.Client, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = DefaultMarkers
	}
	if client == nil {
		// no overall timeout: the response body is the stream
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		client:  client,
		sink:    sink,
		logger:  logger.With(zap.String("component", "remote"), zap.String("endpoint", cfg.Endpoint)),
		metrics: m,
	}
}

// OnStatus registers an observer for connection changes. Must be called
// before Run.
func (a *Adapter) OnStatus(fn func(Status)) {
	a.onStatus = append(a.onStatus, fn)
}

func (a *Adapter) notify(connected bool, err error) {
	st := Status{Connected: connected, Endpoint: a.cfg.Endpoint, At: time.Now()}
	if err != nil {
		st.Error = err.Error()
	}
	for _, fn := range a.onStatus {
		fn(st)
	}
}

// Run connects and reconnects until ctx is done. It returns nil on
// cancellation; connection failures are never returned.
func (a *Adapter) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(a.cfg.ReconnectDelay), ctx)

	err := backoff.RetryNotify(func() error {
		err := a.stream(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = ErrStreamClosed
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		a.metrics.Reconnected()
		a.notify(false, err)
		a.logger.Warn("remote stream lost",
			zap.String("error_kind", string(model.KindConnectionLost)),
			zap.Error(err),
			zap.Duration("retry_in", wait),
		)
	})

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// stream runs one connection until it ends.
func (a *Adapter) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range a.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	a.logger.Info("remote stream connected")
	a.notify(true, nil)

	return readFrames(resp.Body, a.handle)
}

func (a *Adapter) handle(payload []byte) {
	muts := Decode(payload, a.cfg.Markers)
	if len(muts) == 0 {
		a.logger.Debug("discarding non-mutation message", zap.Int("bytes", len(payload)))
		return
	}

	for _, m := range muts {
		rel, ok := model.NormalizePath(a.cfg.Root, m.Path)
		if !ok {
			a.logger.Debug("discarding path outside repository", zap.String("path", m.Path), zap.String("method", m.Method))
			continue
		}
		if a.excluded(rel) {
			a.logger.Debug("discarding excluded path", zap.String("path", rel), zap.String("method", m.Method))
			continue
		}
		a.logger.Debug("remote mutation", zap.String("path", rel), zap.String("method", m.Method))
		a.sink.Push(model.NewChangeEvent(rel, model.SourceRemote))
	}
}

func (a *Adapter) excluded(rel string) bool {
	for _, prefix := range a.cfg.Excludes {
		if model.HasPathPrefix(rel, prefix) {
			return true
		}
	}
	return false
}
