// Package bridge correlates sandbox operations issued by the orchestrator with
// results reported later, out of band, by the browser that executes them.
//
// Each registered operation owns a future that is settled exactly once: by a
// matching Resolve, by its deadline, or by Abandon. The correlation table is
// owned by one Bridge and shared by every run; Namespace returns views that
// partition the table by subsystem.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
)

var (
	// ErrDuplicateRequest is returned when a key is registered while a previous
	// registration under the same key is still pending.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrOperationTimedOut settles an operation whose deadline passed.
	ErrOperationTimedOut = errors.New("operation timed out")
	// ErrAbandoned settles an operation the orchestrator stopped waiting for.
	ErrAbandoned = errors.New("operation abandoned")
	// ErrInvalidKey is returned for an empty sandbox or request id.
	ErrInvalidKey = errors.New("sandboxId and requestId are required")
	// ErrNotFound reports a result whose key has no pending operation.
	ErrNotFound = errors.New("no pending request found")
)

// DefaultTimeout bounds operations registered without an explicit timeout.
const DefaultTimeout = 60 * time.Second

// Namespace partitions the correlation table by subsystem.
type Namespace string

// NamespaceSandbox is the namespace for sandbox filesystem and process operations.
const NamespaceSandbox Namespace = "sandbox"

type key struct {
	ns        Namespace
	sandboxID string
	requestID string
}

type table struct {
	mu      sync.Mutex
	pending map[key]*Pending
}

// Bridge is a view of the correlation table bound to one namespace.
type Bridge struct {
	ns             Namespace
	t              *table
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDefaultTimeout sets the timeout used when Register is given none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a bridge with an empty table in the sandbox namespace.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		ns:             NamespaceSandbox,
		t:              &table{pending: make(map[key]*Pending)},
		defaultTimeout: DefaultTimeout,
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Namespace returns a view of the same table partitioned under ns.
func (b *Bridge) Namespace(ns Namespace) *Bridge {
	view := *b
	view.ns = ns
	return &view
}

// Pending is one registered operation and its future.
type Pending struct {
	Namespace Namespace
	SandboxID string
	RequestID string
	Operation domain.SandboxOperation
	CreatedAt time.Time
	Deadline  time.Time

	delivered bool // guarded by table.mu

	once  sync.Once
	done  chan struct{}
	timer *time.Timer
	resp  domain.SandboxResponse
	err   error
}

func (p *Pending) settle(resp domain.SandboxResponse, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	})
}

// Done is closed once the operation has been settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait suspends until the operation is settled or ctx ends. It returns the
// delivered response, ErrOperationTimedOut, ErrAbandoned, or ctx.Err(). When
// ctx ends the entry stays registered; the caller decides whether to Abandon.
func (p *Pending) Wait(ctx context.Context) (domain.SandboxResponse, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return domain.SandboxResponse{}, ctx.Err()
	}
}

// Register creates a pending operation under (sandboxID, requestID). A
// non-positive timeout uses the bridge default so every entry has a deadline.
func (b *Bridge) Register(sandboxID, requestID string, op domain.SandboxOperation, timeout time.Duration) (*Pending, error) {
	if sandboxID == "" || requestID == "" {
		return nil, ErrInvalidKey
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	now := b.now()
	k := key{ns: b.ns, sandboxID: sandboxID, requestID: requestID}
	op.SandboxID = sandboxID
	op.RequestID = requestID
	op.DeadlineTs = now.Add(timeout).UnixMilli()
	p := &Pending{
		Namespace: b.ns,
		SandboxID: sandboxID,
		RequestID: requestID,
		Operation: op,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		done:      make(chan struct{}),
	}

	b.t.mu.Lock()
	if _, exists := b.t.pending[k]; exists {
		b.t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrDuplicateRequest, b.ns, sandboxID, requestID)
	}
	b.t.pending[k] = p
	p.timer = time.AfterFunc(timeout, func() { b.expire(k, p) })
	b.t.mu.Unlock()

	b.metrics.ObserveRegistered()
	return p, nil
}

// Resolve delivers resp to the operation registered under
// (sandboxID, resp.RequestID) and removes it. It returns false, with no side
// effect, when nothing is pending under that key; repeated deliveries of the
// same response are therefore harmless.
func (b *Bridge) Resolve(sandboxID string, resp domain.SandboxResponse) bool {
	if sandboxID == "" || resp.RequestID == "" {
		return false
	}
	p, ok := b.take(key{ns: b.ns, sandboxID: sandboxID, requestID: resp.RequestID})
	if !ok {
		b.metrics.ObserveCorrelationMiss()
		return false
	}
	p.settle(resp, nil)
	b.metrics.ObserveSettled("resolved")
	return true
}

// Abandon removes the entry and settles its future with ErrAbandoned. It is a
// no-op if the entry was already resolved, timed out or abandoned.
func (b *Bridge) Abandon(sandboxID, requestID string) {
	p, ok := b.take(key{ns: b.ns, sandboxID: sandboxID, requestID: requestID})
	if !ok {
		return
	}
	p.settle(domain.SandboxResponse{}, ErrAbandoned)
	b.metrics.ObserveSettled("abandoned")
}

// MarkDelivered records that an operation's payload reached an executor, so
// pull delivery does not hand it out again.
func (b *Bridge) MarkDelivered(sandboxID, requestID string) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	if p, ok := b.t.pending[key{ns: b.ns, sandboxID: sandboxID, requestID: requestID}]; ok {
		p.delivered = true
	}
}

// TakeUndelivered returns the payloads pending for sandboxID that no executor
// has received yet, oldest first, and marks them delivered.
func (b *Bridge) TakeUndelivered(sandboxID string) []domain.SandboxOperation {
	b.t.mu.Lock()
	var ops []*Pending
	for k, p := range b.t.pending {
		if k.ns == b.ns && k.sandboxID == sandboxID && !p.delivered {
			p.delivered = true
			ops = append(ops, p)
		}
	}
	b.t.mu.Unlock()

	slices.SortFunc(ops, func(a, b *Pending) int { return a.CreatedAt.Compare(b.CreatedAt) })
	out := make([]domain.SandboxOperation, 0, len(ops))
	for _, p := range ops {
		out = append(out, p.Operation)
	}
	return out
}

// Len returns the number of pending entries across all namespaces.
func (b *Bridge) Len() int {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return len(b.t.pending)
}

func (b *Bridge) take(k key) (*Pending, bool) {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	p, ok := b.t.pending[k]
	if ok {
		delete(b.t.pending, k)
	}
	return p, ok
}

func (b *Bridge) expire(k key, p *Pending) {
	b.t.mu.Lock()
	cur, ok := b.t.pending[k]
	if ok && cur == p {
		delete(b.t.pending, k)
	}
	b.t.mu.Unlock()
	if !ok || cur != p {
		return
	}

	p.settle(domain.SandboxResponse{}, ErrOperationTimedOut)
	b.metrics.ObserveSettled("timeout")
	b.logger.Warn("Sandbox operation timed out",
		zap.String("namespace", string(k.ns)),
		zap.String("sandbox_id", k.sandboxID),
		zap.String("request_id", k.requestID),
		zap.String("kind", string(p.Operation.Kind)),
	)
}
