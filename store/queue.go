/*
Copyright 2018 The Kubernetes Authors.

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

package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// queueDelays are the five retry backoffs for the upload queue: 1, 4,
// 16, 64, 256 seconds, then one final attempt whose error is logged (see
// DESIGN.md / SPEC_FULL.md §13.2: the source comment implies it might be
// silently dropped, but the spec surfaces it).
var queueDelays = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 64 * time.Second, 256 * time.Second}

var (
	uploadAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "job_runner_upload_attempts_total",
		Help: "Upload queue request attempts, by method and outcome.",
	}, []string{"method", "outcome"})
	uploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_runner_upload_duration_seconds",
		Help:    "Latency of a single upload queue request, including retries.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(uploadAttempts, uploadLatency)
}

// request is one queued PUT or DELETE.
type request struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
}

// Queue serializes uploads to one destination, guaranteeing in-order,
// at-least-once delivery with retry, and drains outstanding requests on
// Close even if the owning job has already failed.
type Queue struct {
	httpClient *http.Client
	key        S3Key
	log        logrus.FieldLogger
	now        func() time.Time
	sleep      func(time.Duration)

	mu      sync.Mutex
	pending []request
	cond    *sync.Cond
	closed  bool
	done    chan struct{}
}

// NewQueue starts a background consumer draining requests in FIFO order.
func NewQueue(httpClient *http.Client, key S3Key, log logrus.FieldLogger) *Queue {
	q := &Queue{
		httpClient: httpClient,
		key:        key,
		log:        log,
		now:        time.Now,
		sleep:      time.Sleep,
		done:       make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Put enqueues a PUT. Order is preserved because there is exactly one
// consumer.
func (q *Queue) Put(url string, body []byte, headers map[string]string) {
	q.enqueue(request{method: http.MethodPut, url: url, headers: headers, body: body})
}

// PutDelete enqueues a DELETE.
func (q *Queue) PutDelete(url string) {
	q.enqueue(request{method: http.MethodDelete, url: url})
}

func (q *Queue) enqueue(r request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, r)
	q.cond.Signal()
}

// Close marks EOF and blocks until the consumer has drained every
// already-queued request, logging the remaining count at INFO if the
// queue was non-empty. Cancellation of the surrounding job context does
// not interrupt the drain: the whole point of the queue is that log
// output reaches the object store even when the job failed.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	if remaining := len(q.pending); remaining > 0 {
		if q.log != nil {
			q.log.WithField("remaining", remaining).Info("draining upload queue before shutdown")
		}
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		r := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.deliver(r); err != nil && q.log != nil {
			q.log.WithError(err).WithField("url", r.url).Error("upload ultimately failed")
		}
	}
}

// deliver sends one request, retrying on transient failure with the
// fixed queueDelays schedule, re-signing on every attempt since the
// signature embeds the current timestamp.
func (q *Queue) deliver(r request) error {
	start := q.now()
	defer func() { uploadLatency.Observe(q.now().Sub(start).Seconds()) }()

	var lastErr error
	attempts := len(queueDelays) + 1 // five retries, then one final attempt
	for attempt := 0; attempt < attempts; attempt++ {
		err := q.attempt(r)
		if err == nil {
			uploadAttempts.WithLabelValues(r.method, "success").Inc()
			return nil
		}
		lastErr = err
		if httpErr, ok := err.(httpStatusError); ok && httpErr.status < 500 {
			uploadAttempts.WithLabelValues(r.method, "client-error").Inc()
			return err // 4xx errors propagate immediately
		}
		uploadAttempts.WithLabelValues(r.method, "retry").Inc()
		if attempt < len(queueDelays) {
			q.sleep(queueDelays[attempt])
		}
	}
	return lastErr
}

type httpStatusError struct{ status int }

func (e httpStatusError) Error() string { return fmt.Sprintf("response not OK: %d", e.status) }

func (q *Queue) attempt(r request) error {
	checksum := sha256Hex(r.body)
	u, err := parseURL(r.url)
	if err != nil {
		return err
	}
	headers := sign(r.method, u, r.headers, checksum, q.key, q.now())

	req, err := http.NewRequest(r.method, r.url, bodyReader(r.body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpStatusError{status: resp.StatusCode}
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func parseURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
