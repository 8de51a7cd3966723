/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package github implements an HTTP client for a forge's REST API with
// conditional-request caching and retry, plus a forge.Forge adapter built
// on top of it.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// retryDelays are the backoff delays between GET/POST attempts: 1, 2, 4,
// 8 seconds, for four retries, with one final attempt whose error
// propagates.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client performs GET/POST against a forge's REST API using a bearer
// token, minimizing rate-limit consumption via conditional requests.
type Client struct {
	HTTPClient *http.Client
	Log        logrus.FieldLogger

	baseURL string
	token   string
	dryRun  bool

	cache   *conditionalCache
	limiter *rate.Limiter

	// sleep is overridable in tests so retry/backoff tests don't actually
	// wait out the delays.
	sleep func(time.Duration)
}

// ClientConfig configures a new Client.
type ClientConfig struct {
	BaseURL       string
	Token         string
	DryRun        bool
	CacheCapacity int
	// RequestsPerSecond bounds outbound request rate, guarding against a
	// burst of concurrent jobs polling check_pr_changed from tripping a
	// forge's abuse-rate limiter. Zero disables the limiter.
	RequestsPerSecond rate.Limit
}

// NewClient creates a fully operational forge HTTP client.
func NewClient(cfg ClientConfig, log logrus.FieldLogger) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(cfg.RequestsPerSecond, 1)
	}
	return &Client{
		HTTPClient: &http.Client{},
		Log:        log,
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		dryRun:     cfg.DryRun,
		cache:      newConditionalCache(cfg.CacheCapacity, log),
		limiter:    limiter,
		sleep:      time.Sleep,
	}
}

func (c *Client) url(resource string) string {
	return c.baseURL + "/" + resource
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// isTransient reports whether err or resp warrant a retry: connection
// errors, or any HTTP status >= 500.
func isTransient(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500
}

// doWithRetry issues one logical request, retrying on transient failures
// with the fixed backoff schedule in retryDelays, then making one final
// attempt whose error (if any) propagates to the caller.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	for _, delay := range retryDelays {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTPClient.Do(req)
		if !isTransient(resp, err) {
			return resp, err
		}
		var reason error = err
		if resp != nil {
			reason = fmt.Errorf("response not OK: %s", resp.Status)
			resp.Body.Close()
		}
		if c.Log != nil {
			c.Log.WithError(reason).Debug("transient error, retrying")
		}
		c.sleep(delay)
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	return c.HTTPClient.Do(req)
}

// Get fetches resource, attaching conditional-request preconditions from
// the cache when available. On a 304 it returns the cached value and
// refreshes the entry's recency; otherwise it records the response's
// ETag/Last-Modified headers alongside the freshly-decoded value.
func (c *Client) Get(ctx context.Context, resource string) (interface{}, error) {
	url := c.url(resource)

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if entry, ok := c.cache.Get(url); ok {
			if etag, ok := entry.conditions["etag"]; ok {
				req.Header.Set("If-None-Match", etag)
			}
			if lm, ok := entry.conditions["last-modified"]; ok {
				req.Header.Set("If-Modified-Since", lm)
			}
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		entry, ok := c.cache.Get(url)
		if !ok {
			return nil, errors.New("received 304 for a resource with no cache entry")
		}
		c.cache.Add(url, entry.conditions, entry.value, entry.isObj)
		if c.Log != nil {
			c.Log.WithField("resource", resource).Debug("cache hit, returning cached value")
		}
		return entry.value, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("response not OK: %s", resp.Status)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, errors.Wrap(err, "decoding response body")
	}

	conditions := map[string]string{}
	if etag := resp.Header.Get("ETag"); etag != "" {
		conditions["etag"] = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		conditions["last-modified"] = lm
	}
	c.cache.Add(url, conditions, value, true)

	return value, nil
}

// GetObj is Get with a type assertion that the result is a JSON object.
func (c *Client) GetObj(ctx context.Context, resource string) (map[string]interface{}, error) {
	value, err := c.Get(ctx, resource)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, jsonSchemaError{fmt.Errorf("resource %s is not a JSON object", resource)}
	}
	return obj, nil
}

// Post issues a JSON POST. When the client is configured in dry-run mode,
// it logs the intended body and returns it unchanged without sending
// anything.
func (c *Client) Post(ctx context.Context, resource string, body interface{}) (interface{}, error) {
	if c.dryRun {
		encoded, _ := json.MarshalIndent(body, "", "  ")
		if c.Log != nil {
			c.Log.WithField("resource", resource).Infof("** Would post: %s", encoded)
		}
		return body, nil
	}

	url := c.url(resource)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, url, body)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := ioutil.ReadAll(resp.Body)
		return nil, fmt.Errorf("response not OK: %s: %s", resp.Status, string(b))
	}

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(respBody) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := json.Unmarshal(respBody, &value); err != nil {
		return nil, errors.Wrap(err, "decoding response body")
	}
	return value, nil
}

// GetRaw fetches a resource expected to be plain text (not JSON),
// returning ok=false on a 404 rather than an error.
func (c *Client) GetRaw(ctx context.Context, url string) (text string, ok bool, err error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("response not OK: %s", resp.Status)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", false, err
	}
	return string(body), true, nil
}

// cacheLen exposes the cache's resident size for tests.
func (c *Client) cacheLen() int {
	return c.cache.Len()
}
