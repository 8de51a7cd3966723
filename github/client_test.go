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

package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var sleeps int32
	c := NewClient(ClientConfig{BaseURL: server.URL, Token: "tok"}, nil)
	c.sleep = func(time.Duration) { atomic.AddInt32(&sleeps, 1) }
	return c, &sleeps
}

// TestCacheRevalidation covers property 1: a resource whose content has
// not changed is served from the cache on a 304, and the number of full
// responses equals the number of actual content changes.
func TestCacheRevalidation(t *testing.T) {
	var fullResponses int32
	var etag = `"v1"`

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		atomic.AddInt32(&fullResponses, 1)
		w.Header().Set("ETag", etag)
		w.Write([]byte(`{"value": 1}`))
	})

	for i := 0; i < 100; i++ {
		v, err := c.GetObj(context.Background(), "repos/o/r")
		if err != nil {
			t.Fatal(err)
		}
		if v["value"].(float64) != 1 {
			t.Fatalf("unexpected value: %v", v)
		}
	}

	if fullResponses != 1 {
		t.Fatalf("expected exactly 1 full response, got %d", fullResponses)
	}
}

// TestCacheBound covers property 2: with capacity N, the resident key
// set never exceeds N.
func TestCacheBound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"x"`)
		w.Write([]byte(`{}`))
	})
	c.cache = newConditionalCache(4, nil)

	for i := 0; i < 10; i++ {
		if _, err := c.GetObj(context.Background(), fmt.Sprintf("repos/o/r%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if got := c.cacheLen(); got > 4 {
		t.Fatalf("cache grew past capacity: %d entries", got)
	}
}

// TestRetryBackoff covers property 3: two transient failures followed by
// a success returns the success value after observing delays 1s, 2s.
func TestRetryBackoff(t *testing.T) {
	var attempts int32
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	})

	v, err := c.GetObj(context.Background(), "repos/o/r")
	if err != nil {
		t.Fatal(err)
	}
	if v["ok"] != true {
		t.Fatalf("unexpected value: %v", v)
	}
	if *sleeps != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", *sleeps)
	}
}

// TestRetryNoDelayOn4xx covers the other half of property 3: a plain
// client error fails immediately with no retry delay.
func TestRetryNoDelayOn4xx(t *testing.T) {
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if _, err := c.GetObj(context.Background(), "repos/o/r"); err == nil {
		t.Fatal("expected an error for a 404")
	}
	if *sleeps != 0 {
		t.Fatalf("expected no backoff sleeps, got %d", *sleeps)
	}
}

// TestPostDryRun covers the dry-run POST contract: the body is echoed
// back and nothing is sent over the wire.
func TestPostDryRun(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	c.dryRun = true

	body := map[string]interface{}{"state": "pending"}
	v, err := c.Post(context.Background(), "repos/o/r/statuses/abc", body)
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("dry-run POST should not hit the network")
	}
	if v.(map[string]interface{})["state"] != "pending" {
		t.Fatalf("unexpected echoed body: %v", v)
	}
}
