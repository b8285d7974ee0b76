// Package registry shares one job channel subscription per job id across any
// number of WebSocket connections.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
)

const (
	DefaultSendTimeout = 10 * time.Second
	DefaultGrace       = 5 * time.Second
)

// Conn is a client connection able to receive one relayed event at a time.
type Conn interface {
	Send(ctx context.Context, data []byte) error
}

type Config struct {
	SendTimeout time.Duration
	Grace       time.Duration
}

type Registry struct {
	channel     events.Channel
	log         zerolog.Logger
	sendTimeout time.Duration
	grace       time.Duration

	mu        sync.Mutex
	conns     map[string]map[Conn]struct{}
	listeners map[string]*listener
	wg        sync.WaitGroup
}

type listener struct {
	jobID  string
	cancel context.CancelFunc
	// ready is closed once the subscription attempt finished; sub and err
	// are set before that.
	ready chan struct{}
	sub   events.Subscription
	err   error
}

func New(channel events.Channel, cfg Config, log zerolog.Logger) *Registry {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Registry{
		channel:     channel,
		log:         log.With().Str("component", "registry").Logger(),
		sendTimeout: cfg.SendTimeout,
		grace:       cfg.Grace,
		conns:       map[string]map[Conn]struct{}{},
		listeners:   map[string]*listener{},
	}
}

// Connect registers conn under jobID. The first connection for a job
// subscribes before Connect returns so no event published afterwards is missed.
// The subscribe round trip runs outside the registry lock; later connections
// for the same job wait for it instead of subscribing again.
func (r *Registry) Connect(ctx context.Context, conn Conn, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	r.mu.Lock()
	if r.conns[jobID] == nil {
		r.conns[jobID] = map[Conn]struct{}{}
	}
	r.conns[jobID][conn] = struct{}{}

	l, ok := r.listeners[jobID]
	if ok {
		r.updateGaugesLocked()
		r.mu.Unlock()
		return r.awaitListener(ctx, conn, l)
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l = &listener{jobID: jobID, cancel: cancel, ready: make(chan struct{})}
	r.listeners[jobID] = l
	r.updateGaugesLocked()
	r.wg.Add(1)
	r.mu.Unlock()

	sub, err := r.channel.Subscribe(lctx, jobID)

	r.mu.Lock()
	defer r.mu.Unlock()
	l.sub, l.err = sub, err
	close(l.ready)
	if err != nil {
		r.wg.Done()
		cancel()
		if r.listeners[jobID] == l {
			delete(r.listeners, jobID)
		}
		r.removeLocked(conn, jobID)
		r.updateGaugesLocked()
		return fmt.Errorf("subscribe job %s: %w", jobID, err)
	}
	if r.listeners[jobID] != l {
		// Stopped while subscribing: every connection left or the registry closed.
		r.wg.Done()
		if err := sub.Close(); err != nil {
			r.log.Debug().Err(err).Str("job_id", jobID).Msg("close subscription")
		}
		return nil
	}
	go r.listen(lctx, l)
	return nil
}

func (r *Registry) awaitListener(ctx context.Context, conn Conn, l *listener) error {
	select {
	case <-l.ready:
	case <-ctx.Done():
		r.Disconnect(conn, l.jobID)
		return ctx.Err()
	}
	if l.err != nil {
		r.Disconnect(conn, l.jobID)
		return fmt.Errorf("subscribe job %s: %w", l.jobID, l.err)
	}
	return nil
}

// Disconnect deregisters conn. Removing the last connection stops the
// job's listener and releases its subscription.
func (r *Registry) Disconnect(conn Conn, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn, jobID)
	r.updateGaugesLocked()
}

func (r *Registry) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry) Connections(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[jobID])
}

// Close stops every listener and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	for jobID, l := range r.listeners {
		r.stopLocked(jobID, l)
	}
	r.conns = map[string]map[Conn]struct{}{}
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) removeLocked(conn Conn, jobID string) {
	set, ok := r.conns[jobID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) > 0 {
		return
	}
	delete(r.conns, jobID)
	if l, ok := r.listeners[jobID]; ok {
		r.stopLocked(jobID, l)
	}
}

func (r *Registry) stopLocked(jobID string, l *listener) {
	if r.listeners[jobID] == l {
		delete(r.listeners, jobID)
	}
	l.cancel()
	if l.sub == nil {
		return
	}
	if err := l.sub.Close(); err != nil {
		r.log.Debug().Err(err).Str("job_id", jobID).Msg("close subscription")
	}
}

func (r *Registry) updateGaugesLocked() {
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	metrics.SetWSConnections(total)
	metrics.SetWSListeners(len(r.listeners))
}

func (r *Registry) listen(ctx context.Context, l *listener) {
	defer r.wg.Done()
	log := r.log.With().Str("job_id", l.jobID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.sub.Events():
			if !ok {
				r.stopSelf(l)
				return
			}
			r.fanOut(ctx, l.jobID, event.Raw())
			if event.Kind().Terminal() {
				log.Debug().Str("type", string(event.Kind())).Msg("terminal event relayed")
				select {
				case <-time.After(r.grace):
				case <-ctx.Done():
				}
				r.stopSelf(l)
				return
			}
		}
	}
}

func (r *Registry) stopSelf(l *listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(l.jobID, l)
	r.updateGaugesLocked()
}

// fanOut sends to a snapshot of the job's connections concurrently and sweeps
// the ones that failed once every send has returned.
func (r *Registry) fanOut(ctx context.Context, jobID string, data []byte) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conns[jobID]))
	for conn := range r.conns[jobID] {
		targets = append(targets, conn)
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []Conn
	)
	for _, conn := range targets {
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := conn.Send(sendCtx, data); err != nil {
				metrics.IncWSSendFailure()
				r.log.Info().Err(err).Str("job_id", jobID).Msg("websocket send failed")
				failedMu.Lock()
				failed = append(failed, conn)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range failed {
		r.removeLocked(conn, jobID)
	}
	r.updateGaugesLocked()
}
