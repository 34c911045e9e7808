package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/resilience"
)

// RemoteConfig configures the remote VM backend.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	// RPS limits outgoing requests; zero disables limiting.
	RPS     float64
	Burst   int
	Retries int
	Timeout time.Duration
}

// RemoteBackend talks to a hosted sandbox service over HTTP.
type RemoteBackend struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// RemoteOption configures a RemoteBackend.
type RemoteOption func(*RemoteBackend)

// WithRemoteLogger sets the logger.
func WithRemoteLogger(l *zap.Logger) RemoteOption {
	return func(b *RemoteBackend) { b.logger = l }
}

// WithRemoteMetrics sets the metrics sink.
func WithRemoteMetrics(m *metrics.Metrics) RemoteOption {
	return func(b *RemoteBackend) { b.metrics = m }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(br *resilience.Breaker) RemoteOption {
	return func(b *RemoteBackend) { b.breaker = br }
}

// NewRemoteBackend creates a remote backend. Transport failures and 5xx
// responses of idempotent requests are retried by the underlying client.
// Those failures count against the breaker; command exits and 4xx responses
// do not.
func NewRemoteBackend(cfg RemoteConfig, opts ...RemoteOption) *RemoteBackend {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = retryPolicy

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "zapdev-sandbox/1.0").
		SetHeader("Accept", "application/json").
		OnBeforeRequest(markNonIdempotent)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	b := &RemoteBackend{
		client:  client,
		limiter: limiter,
		timeout: timeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.breaker == nil {
		b.breaker = resilience.New("sandbox-remote", resilience.Settings{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			IsFailure: func(err error) bool {
				return err != nil && !errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to resilience.State) {
				b.logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return b
}

type noRetryKey struct{}

// markNonIdempotent tags requests that must reach the service at most once:
// a repeated POST could provision a second VM or run a command twice.
func markNonIdempotent(_ *resty.Client, r *resty.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
	default:
		r.SetContext(context.WithValue(r.Context(), noRetryKey{}, true))
	}
	return nil
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Value(noRetryKey{}) != nil {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Kind implements Backend.
func (b *RemoteBackend) Kind() domain.BackendKind { return domain.BackendRemote }

type createSandboxRequest struct {
	Template string `json:"template,omitempty"`
}

type sandboxInfo struct {
	SandboxID string `json:"sandboxId"`
	Status    string `json:"status,omitempty"`
}

type runCommandRequest struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

type remoteError struct {
	Error string `json:"error"`
}

// Create reconnects to opts.SandboxID when set, otherwise provisions a new
// VM from the framework template, then writes the base files.
func (b *RemoteBackend) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	var info sandboxInfo
	var err error
	if opts.SandboxID != "" {
		_, err = b.do(ctx, domain.OperationCreate, opts.SandboxID, func(r *resty.Request) (*resty.Response, error) {
			return r.SetResult(&info).Get("/sandboxes/" + url.PathEscape(opts.SandboxID))
		})
	} else {
		_, err = b.do(ctx, domain.OperationCreate, "", func(r *resty.Request) (*resty.Response, error) {
			return r.SetBody(createSandboxRequest{Template: opts.Framework}).SetResult(&info).Post("/sandboxes")
		})
	}
	if err != nil {
		return nil, err
	}
	if info.SandboxID == "" {
		info.SandboxID = opts.SandboxID
	}
	if info.SandboxID == "" {
		return nil, opErr(domain.OperationCreate, "", fmt.Errorf("%w: service returned no sandbox id", ErrOperationFailed))
	}

	sb := &remoteSandbox{id: info.SandboxID, backend: b}
	if err := writeAll(ctx, sb, opts.BaseFiles); err != nil {
		return nil, err
	}
	return sb, nil
}

// do runs one request through the limiter and breaker and maps failures onto
// the sandbox error taxonomy.
func (b *RemoteBackend) do(ctx context.Context, op domain.OperationKind, id string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	outcome := "ok"
	defer func() {
		b.metrics.ObserveSandboxRequest(string(domain.BackendRemote), string(op), outcome, time.Since(start))
	}()

	if err := b.limiter.Wait(ctx); err != nil {
		outcome = "timeout"
		return nil, opErr(op, id, fmt.Errorf("%w: rate limited: %w", ErrTimeout, err))
	}

	var resp *resty.Response
	err := b.breaker.Execute(func() error {
		var err error
		resp, err = send(b.client.R().SetContext(ctx).SetError(&remoteError{}))
		if err != nil {
			return err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return fmt.Errorf("status %d: %s", resp.StatusCode(), errorMessage(resp))
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		return nil, opErr(op, id, fmt.Errorf("%w: %w", ErrTimeout, err))
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
		return nil, opErr(op, id, err)
	default:
		outcome = "unreachable"
		b.logger.Warn("Remote sandbox request failed",
			zap.String("sandbox_id", id),
			zap.String("op", string(op)),
			zap.Error(err),
		)
		return nil, opErr(op, id, fmt.Errorf("%w: %w", ErrUnreachable, err))
	}

	if resp.IsError() {
		outcome = "failed"
		return resp, opErr(op, id, fmt.Errorf("%w: status %d: %s", ErrOperationFailed, resp.StatusCode(), errorMessage(resp)))
	}
	return resp, nil
}

func errorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*remoteError); ok && e.Error != "" {
		return e.Error
	}
	if body := resp.String(); body != "" {
		return body
	}
	return http.StatusText(resp.StatusCode())
}

type remoteSandbox struct {
	id      string
	backend *RemoteBackend
}

func (s *remoteSandbox) ID() string               { return s.id }
func (s *remoteSandbox) Kind() domain.BackendKind { return domain.BackendRemote }

func (s *remoteSandbox) base() string {
	return "/sandboxes/" + url.PathEscape(s.id)
}

func (s *remoteSandbox) WriteFile(ctx context.Context, path, content string) error {
	_, err := s.backend.do(ctx, domain.OperationWriteFile, s.id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("path", path).
			SetHeader("Content-Type", "text/plain; charset=utf-8").
			SetBody(content).
			Put(s.base() + "/files")
	})
	return err
}

func (s *remoteSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := s.backend.do(ctx, domain.OperationReadFile, s.id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("path", path).Get(s.base() + "/files")
	})
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}

func (s *remoteSandbox) Run(ctx context.Context, command string, args ...string) (*CommandResult, error) {
	var out domain.CommandOutput
	body := runCommandRequest{
		Command:   command,
		Args:      args,
		TimeoutMs: s.backend.timeout.Milliseconds(),
	}
	_, err := s.backend.do(ctx, domain.OperationRun, s.id, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).SetResult(&out).Post(s.base() + "/commands")
	})
	if err != nil {
		return nil, err
	}
	return checkExit(s.id, command, &CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode})
}

func (s *remoteSandbox) ListFiles(ctx context.Context, glob string) ([]string, error) {
	var fl domain.FileList
	_, err := s.backend.do(ctx, domain.OperationListFiles, s.id, func(r *resty.Request) (*resty.Response, error) {
		if glob != "" {
			r.SetQueryParam("glob", glob)
		}
		return r.SetResult(&fl).Get(s.base() + "/files/list")
	})
	if err != nil {
		return nil, err
	}
	return fl.Paths, nil
}

// Close is a no-op; remote VMs outlive the handle and expire on the service.
func (s *remoteSandbox) Close(context.Context) error { return nil }

func writeAll(ctx context.Context, sb Sandbox, files map[string]string) error {
	for path, content := range files {
		if err := sb.WriteFile(ctx, path, content); err != nil {
			return err
		}
	}
	return nil
}
