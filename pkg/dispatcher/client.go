package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// coldStartSignature is the inference provider's body text marking a
// stopped-app cold start.
const coldStartSignature = "app for invoked web endpoint is stopped"

// attemptTimeout returns the per-attempt HTTP timeout for variant.
func attemptTimeout(variant Variant) time.Duration {
	if variant == VideoT2V || variant == VideoI2V {
		return 1800 * time.Second
	}
	return 300 * time.Second
}

// maxTries returns the total POST attempts (including the first) for variant.
func maxTries(variant Variant) int {
	if variant == VideoT2V || variant == VideoI2V {
		return 1
	}
	return 3
}

// Result is a successful inference response.
type Result struct {
	Data        []byte
	ContentType string
}

// InferenceClient posts generation requests to an active endpoint URL,
// retrying cold-start and transient failures.
type InferenceClient struct {
	httpClient    *http.Client
	logger        *slog.Logger
	retryInterval time.Duration
}

// NewInferenceClient creates an InferenceClient. The http.Client itself sets
// no timeout; each attempt gets its own context deadline instead, since the
// image/video attempt timeouts differ. verifySSL controls whether the
// client validates the inference endpoint's TLS certificate; deployments
// frequently sit behind self-signed certs during development (cfg.VerifySSL).
func NewInferenceClient(logger *slog.Logger, verifySSL bool) *InferenceClient {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
	}
	return &InferenceClient{
		httpClient:    &http.Client{Transport: transport},
		logger:        logger,
		retryInterval: 10 * time.Second,
	}
}

// Dispatch POSTs req to url, retrying per variant's attempt budget and
// per-attempt timeout. The returned error, when non-nil, is the last
// attempt's error; callers classify it with endpoint.IsFailureTerminal.
func (c *InferenceClient) Dispatch(ctx context.Context, url string, req Request, variant Variant) (Result, error) {
	body, err := req.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("encoding request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.Multiplier = 1.5
	b.MaxInterval = 30 * time.Second

	timeout := attemptTimeout(variant)

	result, err := backoff.Retry(ctx, func() (Result, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, attemptErr := c.doOnce(attemptCtx, url, body)
		if attemptErr == nil {
			return res, nil
		}
		if !isRetriable(attemptErr) {
			return Result{}, backoff.Permanent(attemptErr)
		}
		return Result{}, attemptErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxTries(variant))))
	if err != nil {
		return Result{}, err
	}

	return c.resolveArtifact(ctx, result)
}

// artifactURLBody is the JSON shape an endpoint returns when the artifact is
// staged at a temporary URL rather than inlined in the response body.
type artifactURLBody struct {
	URL       string `json:"url"`
	ImageURL  string `json:"image_url"`
	VideoURL  string `json:"video_url"`
	OutputURL string `json:"output_url"`
}

func (b artifactURLBody) first() string {
	for _, u := range []string{b.URL, b.ImageURL, b.VideoURL, b.OutputURL} {
		if u != "" {
			return u
		}
	}
	return ""
}

// resolveArtifact turns a raw inference response into artifact bytes: an
// image/video content type means the body is the artifact itself; a JSON
// body carries a temporary URL the artifact must be downloaded from.
// Anything else is passed through as raw bytes.
func (c *InferenceClient) resolveArtifact(ctx context.Context, res Result) (Result, error) {
	if !strings.Contains(res.ContentType, "application/json") {
		return res, nil
	}

	var body artifactURLBody
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return Result{}, fmt.Errorf("decoding inference response body: %w", err)
	}
	artifactURL := body.first()
	if artifactURL == "" {
		return Result{}, fmt.Errorf("inference response carried no artifact url: %s", truncate(res.Data, 200))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building artifact download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("downloading artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("artifact download returned http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading artifact: %w", err)
	}

	return Result{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *InferenceClient) doOnce(ctx context.Context, url string, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("calling inference endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading inference response: %w", err)
	}

	if bytes.Contains(bytes.ToLower(data), []byte(coldStartSignature)) {
		return Result{}, fmt.Errorf("inference endpoint cold start: %s", coldStartSignature)
	}
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("inference endpoint returned http %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, backoff.Permanent(fmt.Errorf("inference endpoint returned http %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	return Result{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// isRetriable reports whether err should trigger another local attempt:
// cold starts, timeouts, connect errors, and 5xx responses.
func isRetriable(err error) bool {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, coldStartSignature):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection"), strings.Contains(msg, "connect:"), strings.Contains(msg, "eof"):
		return true
	case strings.Contains(msg, "http 5"):
		return true
	default:
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
