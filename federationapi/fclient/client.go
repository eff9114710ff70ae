// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fclient sends signed federation requests to other servers,
// retrying transient failures and failing fast on destinations whose
// circuit is open.
package fclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/federationapi/statistics"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/signing"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 26

// Client sends requests to other servers as this server. It is safe for
// concurrent use.
type Client struct {
	origin     spec.ServerName
	keyID      signing.KeyID
	privateKey ed25519.PrivateKey
	resolver   api.ServerResolver
	statistics *statistics.Statistics
	client     *retryablehttp.Client
	timeout    time.Duration
}

type ClientOption func(*Client)

// WithTransport replaces the HTTP transport, for example to reach test
// servers.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.client.HTTPClient.Transport = transport
	}
}

// WithRetryWait sets the first and the largest wait between attempts.
func WithRetryWait(waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.client.RetryWaitMin = waitMin
		c.client.RetryWaitMax = waitMax
	}
}

// NewClient creates a client that signs requests with the server key from
// the global config.
func NewClient(
	cfg *config.FederationAPI, resolver api.ServerResolver, stats *statistics.Statistics, options ...ClientOption,
) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	if cfg.DisableTLSValidation {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, // nolint:gosec
		}
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = transport
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = cfg.RetryBaseDelay
	retryClient.RetryWaitMax = cfg.RetryMaxDelay
	retryClient.Logger = retryablehttp.LeveledLogger(leveledLogrus{logrus.WithField("component", "fclient")})
	retryClient.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Hand the last response back as it is so that it can be categorised.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		origin:     cfg.Matrix.ServerName,
		keyID:      cfg.Matrix.KeyID,
		privateKey: cfg.Matrix.PrivateKey,
		resolver:   resolver,
		statistics: stats,
		client:     retryClient,
		timeout:    cfg.RequestTimeout,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Statistics returns the circuit breakers of the client.
func (c *Client) Statistics() *statistics.Statistics {
	return c.statistics
}

// doRequest signs the request, sends it and decodes the JSON response into
// resp, which may be nil. All errors are *api.FederationError.
func (c *Client) doRequest(ctx context.Context, req signing.FederationRequest, resp interface{}) error {
	destination := req.Destination()
	trace, ctx := internal.StartRegion(ctx, "federation "+req.Method())
	defer trace.End()
	trace.SetTag("destination", string(destination))
	trace.SetTag("uri", req.RequestURI())

	if err := req.Sign(c.origin, c.keyID, c.privateKey); err != nil {
		return &api.FederationError{Kind: api.Permanent, Err: fmt.Errorf("req.Sign: %w", err)}
	}

	stats := c.statistics.ForServer(destination)
	if !stats.Allow() {
		return &api.FederationError{Kind: api.Temporary, Err: fmt.Errorf("%s: %w", destination, api.ErrCircuitOpen)}
	}
	err := c.send(ctx, req, resp)
	switch {
	case err == nil:
		stats.Success()
	case errors.Is(ctx.Err(), context.Canceled):
		stats.Abandon()
	case isBreakerFailure(err):
		stats.Failure()
	default:
		// The destination answered, it just did not like the request.
		stats.Success()
	}
	if err != nil {
		trace.LogError(err)
		util.GetLogger(ctx).WithError(err).WithFields(logrus.Fields{
			"destination": destination,
			"method":      req.Method(),
			"uri":         req.RequestURI(),
		}).Debug("Federation request failed")
	}
	return err
}

func (c *Client) send(ctx context.Context, req signing.FederationRequest, resp interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	base, err := c.resolver.Resolve(ctx, req.Destination())
	if err != nil {
		return &api.FederationError{Kind: api.Temporary, Err: fmt.Errorf("resolve %q: %w", req.Destination(), err)}
	}
	httpReq, err := req.HTTPRequest()
	if err != nil {
		return &api.FederationError{Kind: api.Permanent, Err: fmt.Errorf("req.HTTPRequest: %w", err)}
	}
	if httpReq.URL, err = url.Parse(base + req.RequestURI()); err != nil {
		return &api.FederationError{Kind: api.Permanent, Err: fmt.Errorf("url.Parse: %w", err)}
	}
	retryReq, err := retryablehttp.FromRequest(httpReq.WithContext(ctx))
	if err != nil {
		return &api.FederationError{Kind: api.Permanent, Err: fmt.Errorf("retryablehttp.FromRequest: %w", err)}
	}

	// Once retries run out on an error status the last response comes back
	// along with the error, and is categorised by its status.
	res, err := c.client.Do(retryReq)
	if res == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return categorise(ctx, 0, err)
	}
	defer res.Body.Close() // nolint: errcheck
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return categorise(ctx, 0, fmt.Errorf("reading response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		httpErr := gomatrix.HTTPError{
			Code:     res.StatusCode,
			Contents: body,
			Message:  fmt.Sprintf("%s %s: HTTP %d", req.Method(), req.RequestURI(), res.StatusCode),
		}
		var respErr gomatrix.RespError
		if json.Unmarshal(body, &respErr) == nil && respErr.ErrCode != "" {
			httpErr.WrappedError = respErr
			httpErr.Message += ": " + respErr.ErrCode + ": " + respErr.Err
		}
		return categorise(ctx, res.StatusCode, httpErr)
	}
	if resp != nil {
		if err = json.Unmarshal(body, resp); err != nil {
			return &api.FederationError{Kind: api.Permanent, Code: res.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

// categorise turns the failure of a request into a FederationError. code is
// the HTTP status of the final attempt, or 0 if there was no response.
func categorise(ctx context.Context, code int, err error) *api.FederationError {
	kind := api.Permanent
	switch {
	case code == 0:
		kind = api.Temporary
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			kind = api.Timeout
		}
	case code == http.StatusTooManyRequests:
		kind = api.Temporary
	case code >= 500 && code != http.StatusNotImplemented:
		kind = api.Temporary
	}
	return &api.FederationError{Kind: kind, Code: code, Err: err}
}

// isBreakerFailure reports whether the error says the destination is not
// working. Besides transient failures, a rejected signature counts, since
// the destination cannot be talked to until that changes.
func isBreakerFailure(err error) bool {
	var fedErr *api.FederationError
	if !errors.As(err, &fedErr) {
		return true
	}
	if errors.Is(fedErr, api.ErrCircuitOpen) {
		return false
	}
	return fedErr.Kind == api.Temporary || fedErr.Kind == api.Timeout || fedErr.Code == http.StatusUnauthorized
}

// leveledLogrus logs the retries of retryablehttp. Errors are logged as
// warnings since the request may still succeed or be retried by the caller.
type leveledLogrus struct {
	logger *logrus.Entry
}

func (l leveledLogrus) fields(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogrus) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}

func (l leveledLogrus) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}

func (l leveledLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogrus) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}
