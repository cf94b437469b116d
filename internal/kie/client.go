package kie

import (
	"bytes"
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

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/models"
)

const maxDownloadBytes = 20 << 20

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	createRetries uint64
	retryBase     time.Duration
	pollInterval  time.Duration
	pollAttempts  int
}

type GenerateOptions struct {
	Prompt       string
	AspectRatio  string
	Resolution   string
	InputURLs    []string
	OutputFormat string
}

type Image struct {
	URL string
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	pollInterval := cfg.KIEPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	pollAttempts := cfg.KIEPollAttempts
	if pollAttempts <= 0 {
		pollAttempts = 60
	}
	retries := cfg.KIECreateRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:           log.With().Str("component", "kie").Logger(),
		createRetries: uint64(retries),
		retryBase:     time.Second,
		pollInterval:  pollInterval,
		pollAttempts:  pollAttempts,
	}
}

func (c *Client) GenerateFlux2(ctx context.Context, opts GenerateOptions) (*Image, error) {
	modelName := "flux-2/pro-text-to-image"
	if len(opts.InputURLs) > 0 {
		modelName = "flux-2/pro-image-to-image"
	}

	input := map[string]any{
		"prompt":       opts.Prompt,
		"aspect_ratio": opts.AspectRatio,
		"resolution":   opts.Resolution,
	}
	if len(opts.InputURLs) > 0 {
		input["input_urls"] = opts.InputURLs
	}

	return c.postAsync(ctx, map[string]any{
		"model": modelName,
		"input": input,
	})
}

func (c *Client) GenerateNanoBanana(ctx context.Context, opts GenerateOptions) (*Image, error) {
	format := "png"
	if opts.OutputFormat != "" {
		format = strings.ToLower(opts.OutputFormat)
	}
	input := map[string]any{
		"prompt":        opts.Prompt,
		"aspect_ratio":  opts.AspectRatio,
		"resolution":    opts.Resolution,
		"output_format": format,
	}
	if len(opts.InputURLs) > 0 {
		input["image_input"] = opts.InputURLs
	}

	return c.postAsync(ctx, map[string]any{
		"model": "nano-banana-pro",
		"input": input,
	})
}

// Download fetches a result image.
func (c *Client) Download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("new download request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providerError(models.ProviderErrNetwork, fmt.Errorf("download image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, providerError(classifyStatus(resp.StatusCode), fmt.Errorf("download image: status=%d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, providerError(models.ProviderErrNetwork, fmt.Errorf("read image: %w", err))
	}
	if len(data) == 0 {
		return nil, providerError(models.ProviderErrMalformed, errors.New("empty image body"))
	}
	if len(data) > maxDownloadBytes {
		return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("image exceeds %d bytes", maxDownloadBytes))
	}
	return data, nil
}

// postAsync creates a task and polls it to completion. Only creation is
// retried; an accepted task is never submitted twice.
func (c *Client) postAsync(ctx context.Context, payload map[string]any) (*Image, error) {
	var taskID string
	backoff := retry.WithMaxRetries(c.createRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := c.createTask(ctx, payload)
		if err != nil {
			if resubmittable(err) {
				c.log.Warn().Err(err).Msg("KIE create task failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		taskID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return c.pollTaskStatus(ctx, taskID)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

// do performs one API call and unwraps the {code, msg, data} envelope.
func (c *Client) do(ctx context.Context, method, fullURL string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providerError(models.ProviderErrNetwork, fmt.Errorf("%s kie: %w", strings.ToLower(method), err))
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerError(models.ProviderErrNetwork, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode >= 300 {
		c.log.Error().Int("status", resp.StatusCode).Str("url", fullURL).Str("body", truncateBody(rawBody)).Msg("KIE request failed")
		return nil, &statusError{
			code: resp.StatusCode,
			err:  providerError(classifyStatus(resp.StatusCode), fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))),
		}
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody)))
	}
	if env.Code != http.StatusOK {
		return nil, &statusError{
			code: env.Code,
			err:  providerError(classifyStatus(env.Code), fmt.Errorf("kie error: code=%d msg=%s", env.Code, env.Msg)),
		}
	}
	return env.Data, nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", providerError(models.ProviderErrMalformed, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", providerError(models.ProviderErrMalformed, fmt.Errorf("marshal payload: %w", err))
	}

	c.log.Info().Str("url", fullURL).Str("model", getModelFromPayload(payload)).Msg("creating KIE task")
	data, err := c.do(ctx, http.MethodPost, fullURL, body)
	if err != nil {
		return "", err
	}

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", providerError(models.ProviderErrMalformed, fmt.Errorf("decode create task data: %w", err))
	}
	if created.TaskID == "" {
		return "", providerError(models.ProviderErrMalformed, errors.New("empty taskId in response"))
	}

	c.log.Info().Str("task_id", created.TaskID).Msg("KIE task created")
	return created.TaskID, nil
}

func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (*Image, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return nil, providerError(models.ProviderErrMalformed, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, providerError(models.ProviderErrNetwork, ctx.Err())
			case <-time.After(c.pollInterval):
			}
		}

		data, err := c.do(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, providerError(models.ProviderErrNetwork, ctx.Err())
			}
			// Status reads are idempotent, so transient failures just cost a poll.
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		var status struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("decode status data: %w", err))
		}

		switch status.State {
		case "success":
			if status.ResultJSON == "" {
				return nil, providerError(models.ProviderErrMalformed, errors.New("empty resultJson in success response"))
			}
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(status.ResultJSON), &result); err != nil {
				return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("parse resultJson: %w", err))
			}
			if len(result.ResultURLs) == 0 {
				return nil, providerError(models.ProviderErrMalformed, errors.New("no resultUrls in result"))
			}
			c.log.Info().Str("task_id", taskID).Int("attempt", attempt+1).Msg("KIE task completed")
			return &Image{URL: result.ResultURLs[0]}, nil

		case "fail":
			failMsg := status.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			c.log.Error().Str("task_id", taskID).Str("fail_code", status.FailCode).Str("fail_msg", failMsg).Msg("KIE task failed")
			return nil, providerError(classifyFailure(failMsg), fmt.Errorf("task failed: %s (code: %s)", failMsg, status.FailCode))

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 0 {
				c.log.Debug().Str("task_id", taskID).Int("attempt", attempt+1).Int("max_attempts", c.pollAttempts).Msg("KIE task waiting")
			}

		default:
			return nil, providerError(models.ProviderErrMalformed, fmt.Errorf("unknown task state: %s", status.State))
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("task timeout after %d attempts: %w", c.pollAttempts, lastErr)
	}
	return nil, providerError(models.ProviderErrProvider, fmt.Errorf("task timeout after %d attempts", c.pollAttempts))
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func providerError(kind models.ProviderErrorKind, err error) error {
	return &models.ProviderError{Kind: kind, Err: err}
}

func classifyStatus(code int) models.ProviderErrorKind {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusPaymentRequired:
		return models.ProviderErrQuota
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return models.ProviderErrMalformed
	default:
		return models.ProviderErrProvider
	}
}

func classifyFailure(msg string) models.ProviderErrorKind {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"sensitive", "nsfw", "policy", "flagged", "moderation"} {
		if strings.Contains(lower, marker) {
			return models.ProviderErrContentPolicy
		}
	}
	return models.ProviderErrProvider
}

// isRetryable reports errors worth sending the same request again: network
// failures, rate limits and server-side errors. Exhausted balance is not.
func isRetryable(err error) bool {
	if retryableStatus(err) {
		return true
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == models.ProviderErrNetwork
	}
	return false
}

// resubmittable is isRetryable for non-idempotent calls. A network failure
// counts only when the request never reached the server; a timeout after
// sending may already have created a paid task.
func resubmittable(err error) bool {
	if retryableStatus(err) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func retryableStatus(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.code == http.StatusTooManyRequests || se.code >= 500 || se.code == 455
}

func getModelFromPayload(payload map[string]any) string {
	if model, ok := payload["model"].(string); ok {
		return model
	}
	return "unknown"
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
