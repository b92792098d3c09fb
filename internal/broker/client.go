package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swing-trader/internal/config"
)

const apiVersion = "3"

// retryPolicy 决定哪些失败可以重试。
type retryPolicy int

const (
	// retryTransient 对 5xx、429 与网络错误重试，用于只读请求。
	retryTransient retryPolicy = iota
	// retryThrottleOnly 只在 429 时重试，用于下单等非幂等请求。
	retryThrottleOnly
)

// Client 为带鉴权、限速与重试的券商 REST 客户端。
// 所有请求共享同一个限速器，保证相邻请求的最小间隔。
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	retry       config.RetryConfig
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewClient 创建 REST 客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	gap := cfg.Retry.MinRequestGap
	limit := rate.Inf
	if gap > 0 {
		limit = rate.Every(gap)
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		retry:       cfg.Retry,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
	}
}

// HasCredentials 表示是否配置了 api key 与 access token。
func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && c.accessToken != ""
}

// Get 发起 GET 请求并把 data 字段解码到 out。
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil, retryTransient)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

// GetRaw 发起 GET 请求并返回原始响应体，用于 CSV 等非 JSON 接口。
func (c *Client) GetRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, retryTransient)
}

// PostForm 以表单提交，仅在 429 时重试，避免重复下单。
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	body, err := c.do(ctx, http.MethodPost, path, nil, form, retryThrottleOnly)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, policy retryPolicy) ([]byte, error) {
	operation := method + " " + path
	attempt := 0
	var body []byte

	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		data, err := c.send(ctx, method, path, query, form)
		if err == nil {
			body = data
			if attempt > 1 {
				c.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", time.Since(start)),
				)
			}
			return nil
		}

		if !c.shouldRetry(err, policy) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, c.newBackOff(ctx), notify); err != nil {
		c.logger.Error("券商调用失败",
			zap.String("operation", operation),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return nil, err
	}
	return body, nil
}

// newBackOff 为指数退避加抖动，同时受最大次数与最长总耗时约束。
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retry.MinDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	eb.MaxInterval = c.retry.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 8 * time.Second
	}
	eb.MaxElapsedTime = c.retry.MaxElapsed
	if eb.MaxElapsedTime <= 0 {
		eb.MaxElapsedTime = time.Minute
	}
	eb.RandomizationFactor = 0.5
	eb.Multiplier = 2

	retries := c.retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

func (c *Client) shouldRetry(err error, policy retryPolicy) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if policy == retryThrottleOnly {
			return httpErr.Status == http.StatusTooManyRequests
		}
		return httpErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return policy == retryTransient
	}
	return false
}

func (c *Client) send(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if form != nil {
		reader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("broker: 构造请求失败: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	if c.HasCredentials() {
		req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: 读取响应失败: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{Status: resp.StatusCode, Body: string(data)}
		var env envelope
		if json.Unmarshal(data, &env) == nil {
			httpErr.Message = env.Message
			httpErr.ErrorType = env.ErrorType
		}
		return nil, httpErr
	}

	return data, nil
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("broker: 解析响应失败: %w", err)
	}
	if env.Status != "" && env.Status != "success" {
		return &HTTPError{Status: http.StatusOK, Body: string(body), Message: env.Message, ErrorType: env.ErrorType}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("broker: 解析 data 字段失败: %w", err)
	}
	return nil
}
