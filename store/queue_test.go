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
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestUploadOrdering covers property 5: PUTs enqueued in sequence
// [A, B, C] reach the server in that order even when A and B experience
// 5xx retries.
func TestUploadOrdering(t *testing.T) {
	var mu sync.Mutex
	var arrived []string
	var attemptsA, attemptsB int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		name := string(body)

		if name == "A" && atomic.AddInt32(&attemptsA, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if name == "B" && atomic.AddInt32(&attemptsB, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		mu.Lock()
		arrived = append(arrived, name)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q := NewQueue(server.Client(), S3Key{Access: "a", Secret: "s"}, nil)
	q.sleep = func(time.Duration) {} // don't actually wait out the backoff in tests

	q.Put(server.URL+"/log", []byte("A"), nil)
	q.Put(server.URL+"/log", []byte("B"), nil)
	q.Put(server.URL+"/log", []byte("C"), nil)

	q.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(arrived) != 3 || arrived[0] != "A" || arrived[1] != "B" || arrived[2] != "C" {
		t.Fatalf("unexpected delivery order: %v", arrived)
	}
}

// TestQueueDrainsOnClose verifies the drain-on-shutdown contract in §4.4.
func TestQueueDrainsOnClose(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	q := NewQueue(server.Client(), S3Key{Access: "a", Secret: "s"}, nil)
	q.sleep = func(time.Duration) {}
	for i := 0; i < 10; i++ {
		q.Put(server.URL+"/x", []byte("x"), nil)
	}
	q.Close(context.Background())

	if delivered != 10 {
		t.Fatalf("expected all 10 requests delivered before Close returned, got %d", delivered)
	}
}
