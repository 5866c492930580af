// Package hsm implements the client for the remote hash-then-sign HSM
// service: asynchronous submit/poll with a bounded wall-clock budget, and a
// certificate chain bootstrap that rides on a throwaway signing call.
//
// Only a SHA-256/384/512 digest ever crosses the wire; document bytes stay
// local.
package hsm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// APIVersion is pinned; the submit/poll contract is version-specific.
const APIVersion = "2022-06-15-preview"

const (
	pollBudget     = 60 * time.Second
	pollWaitMin    = 1 * time.Second
	pollWaitMax    = 10 * time.Second
	defaultTimeout = 30 * time.Second
)

// digestLengths maps each supported signature algorithm to the required
// digest size in bytes.
var digestLengths = map[string]int{
	"RS256": 32,
	"RS384": 48,
	"RS512": 64,
}

// Client talks to one signing account/profile. It is stateless; every call
// carries its own operation state.
type Client struct {
	// Endpoint is the base URL of the signing account, without trailing
	// slash, e.g. https://eus.codesigning.azure.net/sign/profile-a.
	Endpoint string

	// TokenSource supplies OAuth2 bearer tokens. Optional; requests go out
	// unauthenticated when nil (local emulators, tests).
	TokenSource oauth2.TokenSource

	HTTPClient *http.Client
	Logger     *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (c *Client) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Client) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

type submitRequest struct {
	SignatureAlgorithm string `json:"signatureAlgorithm"`
	Digest             string `json:"digest"`
}

type operationResponse struct {
	Status             string          `json:"status"`
	Signature          string          `json:"signature,omitempty"`
	SigningCertificate json.RawMessage `json:"signingCertificate,omitempty"`
}

// SignDigest submits a digest for signing and polls until the operation
// reaches a terminal state. It returns the raw signature and the certificate
// payload blobs exactly as the service supplied them (base64, PEM or DER;
// see ChainSource for normalization).
func (c *Client) SignDigest(ctx context.Context, digest []byte, algorithm, correlationID string) (signature []byte, certBlobs [][]byte, err error) {
	want, ok := digestLengths[algorithm]
	if !ok {
		return nil, nil, &InvalidArgumentError{Reason: fmt.Sprintf("unsupported signature algorithm %q", algorithm)}
	}
	if len(digest) != want {
		return nil, nil, &InvalidArgumentError{
			Reason: fmt.Sprintf("digest length %d does not match %s (want %d)", len(digest), algorithm, want),
		}
	}

	log := c.logger().With(
		zap.String("correlation_id", correlationID),
		zap.String("algorithm", algorithm),
	)

	operationURL, operationID, err := c.submit(ctx, digest, algorithm, correlationID)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("sign operation submitted", zap.String("operation_id", operationID))

	deadline := c.clock().Add(pollBudget)
	wait := pollWaitMin

	var lastTransient error
	for attempt := 0; ; attempt++ {
		resp, pollErr := c.poll(ctx, operationURL, correlationID)
		switch {
		case pollErr != nil:
			// Transport failures are retried within the same budget.
			lastTransient = pollErr
			log.Warn("poll attempt failed", zap.Int("attempt", attempt), zap.Error(pollErr))
		default:
			lastTransient = nil
			switch resp.Status {
			case "succeeded":
				sig, decodeErr := base64.StdEncoding.DecodeString(resp.Signature)
				if decodeErr != nil {
					return nil, nil, &RemoteError{Reason: "signature is not valid base64"}
				}
				log.Debug("sign operation succeeded", zap.String("operation_id", operationID))
				return sig, certificateBlobs(resp.SigningCertificate), nil
			case "failed":
				return nil, nil, &RemoteError{Reason: fmt.Sprintf("operation %s reported failed", operationID)}
			case "running", "inProgress", "notStarted":
				// Keep polling.
			default:
				return nil, nil, &RemoteError{Reason: fmt.Sprintf("operation %s reported unknown status %q", operationID, resp.Status)}
			}
		}

		if c.clock().Add(wait).After(deadline) {
			if lastTransient != nil {
				return nil, nil, &TransientError{Err: lastTransient}
			}
			return nil, nil, &TimeoutError{OperationID: operationID}
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > pollWaitMax {
			wait = pollWaitMax
		}
	}
}

func (c *Client) submit(ctx context.Context, digest []byte, algorithm, correlationID string) (operationURL, operationID string, err error) {
	body, err := json.Marshal(submitRequest{
		SignatureAlgorithm: algorithm,
		Digest:             base64.StdEncoding.EncodeToString(digest),
	})
	if err != nil {
		return "", "", err
	}

	endpoint := strings.TrimRight(c.Endpoint, "/") + "/sign?api-version=" + APIVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req, correlationID)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", "", &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return "", "", &TransientError{Err: fmt.Errorf("submit returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", &RemoteError{Reason: fmt.Sprintf("submit returned %d: %s", resp.StatusCode, payload)}
	}

	asyncOp := resp.Header.Get("Azure-AsyncOperation")
	if asyncOp == "" {
		return "", "", &RemoteError{Reason: "response carries no Azure-AsyncOperation header"}
	}

	return c.resolveOperationURL(asyncOp), operationIDFrom(asyncOp), nil
}

// operationIDFrom extracts the trailing path segment of an operation URL or
// bare identifier, dropping any query string.
func operationIDFrom(asyncOp string) string {
	trimmed := strings.TrimRight(asyncOp, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

func (c *Client) resolveOperationURL(asyncOp string) string {
	if u, err := url.Parse(asyncOp); err == nil && u.IsAbs() {
		return asyncOp
	}
	return strings.TrimRight(c.Endpoint, "/") + "/operations/" + operationIDFrom(asyncOp) + "?api-version=" + APIVersion
}

func (c *Client) poll(ctx context.Context, operationURL, correlationID string) (*operationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, operationURL, nil)
	if err != nil {
		return nil, err
	}
	c.setCommonHeaders(req, correlationID)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("poll returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("poll returned %d: %s", resp.StatusCode, payload)
	}

	var out operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("poll response is not valid JSON: %w", err)
	}
	return &out, nil
}

func (c *Client) setCommonHeaders(req *http.Request, correlationID string) {
	if c.TokenSource != nil {
		if token, err := c.TokenSource.Token(); err == nil {
			token.SetAuthHeader(req)
		}
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
		req.Header.Set("x-ms-client-request-id", correlationID)
	}
}

// certificateBlobs accepts the signingCertificate field as either a single
// string or an array of strings and returns the raw blobs.
func certificateBlobs(raw json.RawMessage) [][]byte {
	if len(raw) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return [][]byte{[]byte(single)}
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		blobs := make([][]byte, 0, len(many))
		for _, s := range many {
			if s != "" {
				blobs = append(blobs, []byte(s))
			}
		}
		return blobs
	}

	return nil
}
