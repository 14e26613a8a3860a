package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apiforge/apiforge-backend/internal/observability"
	"github.com/apiforge/apiforge-backend/internal/pkg/httpx"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

// Client talks to the sandbox provider. The provider owns the real
// environments and may reap them without notice; callers treat every id as
// potentially dead.
type Client interface {
	Create(ctx context.Context, files map[string]string, opts CreateOptions) (Instance, error)
	Exec(ctx context.Context, id string, command string) (ExecResult, error)
	Probe(ctx context.Context, id string) (ProbeResult, error)
	WriteFiles(ctx context.Context, id string, files map[string]string) error
	Destroy(ctx context.Context, id string) error
}

type CreateOptions struct {
	Framework    string
	StartCommand string
}

type Instance struct {
	ID  string
	URL string
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type ProbeResult struct {
	Alive    bool
	LastSeen time.Time
}

// ProviderError is a non-2xx provider response.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sandbox provider http %d: %s", e.Status, e.Body)
}

func (e *ProviderError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

type client struct {
	log          *logger.Logger
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	createClient *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SANDBOX_API_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing SANDBOX_API_BASE_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	// Optional: self-hosted runners often run without auth.
	apiKey := strings.TrimSpace(os.Getenv("SANDBOX_API_KEY"))

	timeoutSec := 30
	if v := os.Getenv("SANDBOX_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	// Provisioning installs dependencies and boots the app; much slower than
	// the other calls.
	createTimeoutSec := 0
	if v := os.Getenv("SANDBOX_CREATE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			createTimeoutSec = parsed
		}
	}
	if createTimeoutSec <= 0 {
		createTimeoutSec = timeoutSec
		if createTimeoutSec < 120 {
			createTimeoutSec = 120
		}
	}

	maxRetries := 3
	if v := os.Getenv("SANDBOX_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	return &client{
		log:          log.With("service", "SandboxClient"),
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		createClient: &http.Client{Timeout: time.Duration(createTimeoutSec) * time.Second},
		maxRetries:   maxRetries,
	}, nil
}

func (c *client) doOnce(ctx context.Context, httpClient *http.Client, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	if httpClient == nil {
		httpClient = c.httpClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &ProviderError{Status: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, httpClient *http.Client, op, method, path string, body any, out any) error {
	backoff := 500 * time.Millisecond
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, httpClient, method, path, body)
		if err == nil {
			if metrics := observability.Current(); metrics != nil {
				metrics.ObserveSandboxOp(op, statusFromResp(resp), time.Since(start))
			}
			if out == nil {
				return nil
			}
			if len(raw) == 0 {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("sandbox provider decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		lastErr = err

		if !httpx.IsRetryableError(err) {
			if metrics := observability.Current(); metrics != nil {
				metrics.ObserveSandboxOp(op, statusFromRespErr(resp, err), time.Since(start))
			}
			return err
		}
		if attempt == c.maxRetries {
			if metrics := observability.Current(); metrics != nil {
				metrics.ObserveSandboxOp(op, statusFromRespErr(resp, err), time.Since(start))
			}
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Sandbox request retrying",
			"op", op,
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return lastErr
}

type createRequest struct {
	Files        map[string]string `json:"files"`
	Framework    string            `json:"framework,omitempty"`
	StartCommand string            `json:"start_command,omitempty"`
}

type createResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *client) Create(ctx context.Context, files map[string]string, opts CreateOptions) (Instance, error) {
	var out Instance
	if len(files) == 0 {
		return out, errors.New("files required")
	}

	req := createRequest{
		Files:        files,
		Framework:    strings.TrimSpace(opts.Framework),
		StartCommand: strings.TrimSpace(opts.StartCommand),
	}

	var resp createResponse
	if err := c.do(ctx, c.createClient, "create", "POST", "/v1/sandboxes", req, &resp); err != nil {
		return out, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return out, errors.New("sandbox create missing id")
	}
	out.ID = strings.TrimSpace(resp.ID)
	out.URL = strings.TrimSpace(resp.URL)
	return out, nil
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (c *client) Exec(ctx context.Context, id string, command string) (ExecResult, error) {
	var out ExecResult
	id = strings.TrimSpace(id)
	if id == "" {
		return out, errors.New("sandbox id required")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return out, errors.New("command required")
	}

	var resp execResponse
	if err := c.do(ctx, c.httpClient, "exec", "POST", "/v1/sandboxes/"+id+"/exec", execRequest{Command: command}, &resp); err != nil {
		return out, err
	}
	out.Stdout = resp.Stdout
	out.Stderr = resp.Stderr
	out.ExitCode = resp.ExitCode
	return out, nil
}

type probeResponse struct {
	Alive    bool   `json:"alive"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Probe reports liveness. An unknown id is a dead sandbox, not an error;
// the provider reaps environments without notice and callers recover by
// restoring.
func (c *client) Probe(ctx context.Context, id string) (ProbeResult, error) {
	var out ProbeResult
	id = strings.TrimSpace(id)
	if id == "" {
		return out, errors.New("sandbox id required")
	}

	var resp probeResponse
	err := c.do(ctx, c.httpClient, "probe", "GET", "/v1/sandboxes/"+id, nil, &resp)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && (provErr.Status == http.StatusNotFound || provErr.Status == http.StatusGone) {
			return ProbeResult{Alive: false}, nil
		}
		return out, err
	}
	out.Alive = resp.Alive
	if ts := strings.TrimSpace(resp.LastSeen); ts != "" {
		if parsed, pErr := time.Parse(time.RFC3339, ts); pErr == nil {
			out.LastSeen = parsed
		}
	}
	return out, nil
}

type writeFilesRequest struct {
	Files map[string]string `json:"files"`
}

func (c *client) WriteFiles(ctx context.Context, id string, files map[string]string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("sandbox id required")
	}
	if len(files) == 0 {
		return nil
	}
	return c.do(ctx, c.httpClient, "write_files", "PUT", "/v1/sandboxes/"+id+"/files", writeFilesRequest{Files: files}, nil)
}

// Destroy tears down the environment. Destroying an already-reaped sandbox
// succeeds.
func (c *client) Destroy(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("sandbox id required")
	}
	err := c.do(ctx, c.httpClient, "destroy", "DELETE", "/v1/sandboxes/"+id, nil, nil)
	if err != nil {
		var provErr *ProviderError
		if errors.As(err, &provErr) && (provErr.Status == http.StatusNotFound || provErr.Status == http.StatusGone) {
			return nil
		}
		return err
	}
	return nil
}

func statusFromResp(resp *http.Response) string {
	if resp == nil {
		return "unknown"
	}
	return strconv.Itoa(resp.StatusCode)
}

func statusFromRespErr(resp *http.Response, err error) string {
	if resp != nil {
		return strconv.Itoa(resp.StatusCode)
	}
	var provErr *ProviderError
	if err != nil && errors.As(err, &provErr) {
		return strconv.Itoa(provErr.Status)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
