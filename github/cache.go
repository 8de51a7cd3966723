/*
Copyright 2017 The Kubernetes Authors.

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
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultCacheCapacity bounds the number of resident conditional-cache
// entries. Without a bound, a long-running worker process watching many
// repos would grow unbounded.
const defaultCacheCapacity = 128

// cacheEntry is what we remember about a previously-fetched resource: the
// preconditions to send on the next request, and the value to serve back
// on a 304.
type cacheEntry struct {
	key         string
	conditions  map[string]string
	value       interface{}
	isObj       bool
}

// conditionalCache is a capacity-bounded LRU keyed by canonical URL.
// Eviction policy is "least-recently added": Add always moves (or
// inserts) a key to the most-recently-added end, and eviction takes from
// the other end. A 304 revalidation calls Add again with the same value
// to refresh recency, exactly like the Python LRUCache this is ported
// from (pop-then-reinsert on touch).
type conditionalCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // back = most-recently-added
	index    map[string]*list.Element
	log      logrus.FieldLogger
}

func newConditionalCache(capacity int, log logrus.FieldLogger) *conditionalCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &conditionalCache{
		capacity: capacity,
		order:    list.New(),
		index:    map[string]*list.Element{},
		log:      log,
	}
}

// Get returns the cached entry for key, if any, without changing its
// recency. Recency is only refreshed by a subsequent Add (i.e. on actual
// use of the cached value following a 304), matching the source's
// get-then-maybe-re-add flow.
func (c *conditionalCache) Get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return cacheEntry{}, false
	}
	return el.Value.(cacheEntry), true
}

// Add inserts or refreshes key as the most-recently-added entry, evicting
// the least-recently-added entry if the cache is now over capacity.
func (c *conditionalCache) Add(key string, conditions map[string]string, value interface{}, isObj bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}

	entry := cacheEntry{key: key, conditions: conditions, value: value, isObj: isObj}
	el := c.order.PushBack(entry)
	c.index[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		evicted := oldest.Value.(cacheEntry)
		c.order.Remove(oldest)
		delete(c.index, evicted.key)
		if c.log != nil {
			c.log.WithField("resource", evicted.key).Debug("evicting cached data")
		}
	}
}

// Len reports the number of resident entries, for tests.
func (c *conditionalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
