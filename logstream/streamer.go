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

package logstream

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

//go:embed viewer/log.html viewer/log.js
var viewerFS embed.FS

const (
	sizeLimit = 1000000         // 1MB
	timeLimit = 30 * time.Second
)

// Streamer implements the chunked upload protocol a browser-side viewer
// polls: pending bytes accumulate until a size or time limit is hit, at
// which point they are flushed as a new segment and, per the "2048
// algorithm", merged backwards with equal-sized neighbors so that segment
// count stays logarithmic in the number of flushes. On Close the segments
// are concatenated into one "log" blob and all "log.<range>" segments are
// deleted, so a 404 on any segment tells the viewer streaming has ended.
type Streamer struct {
	Index *Index

	mu       sync.Mutex
	pending  []byte
	chunks   [][][]byte // each chunk is a list of blocks; blocks never move once merged in
	suffixes map[string]struct{}

	timer      *time.Timer
	afterFunc  func(time.Duration, func()) *time.Timer
}

// NewStreamer wraps an attachments index with log streaming.
func NewStreamer(index *Index) *Streamer {
	return &Streamer{
		Index:    index,
		suffixes: map[string]struct{}{"chunks": {}},
		afterFunc: func(d time.Duration, f func()) *time.Timer {
			return time.AfterFunc(d, f)
		},
	}
}

func (s *Streamer) clearTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
}

// sendPending folds the pending buffer into the chunk list and uploads
// the resulting last segment plus an updated manifest. Callers must hold
// s.mu.
func (s *Streamer) sendPending() {
	s.chunks = append(s.chunks, [][]byte{s.pending})
	s.pending = nil
	s.clearTimer()

	// 2048 algorithm: merge the last two chunks whenever they hold the
	// same number of blocks. This may only ever touch the tail of the
	// list, so earlier, already-uploaded segments never change shape.
	for len(s.chunks) > 1 && len(s.chunks[len(s.chunks)-1]) == len(s.chunks[len(s.chunks)-2]) {
		last := s.chunks[len(s.chunks)-1]
		secondLast := s.chunks[len(s.chunks)-2]
		merged := append(append([][]byte{}, secondLast...), last...)
		s.chunks = append(s.chunks[:len(s.chunks)-2], merged)
	}

	chunkSizes := make([]int, len(s.chunks))
	for i, chunk := range s.chunks {
		total := 0
		for _, block := range chunk {
			total += len(block)
		}
		chunkSizes[i] = total
	}

	if len(chunkSizes) > 0 {
		start := 0
		for _, size := range chunkSizes[:len(chunkSizes)-1] {
			start += size
		}
		end := start + chunkSizes[len(chunkSizes)-1]
		suffix := fmt.Sprintf("%d-%d", start, end)

		var body []byte
		for _, block := range s.chunks[len(s.chunks)-1] {
			body = append(body, block...)
		}
		s.Index.Destination.Write("log."+suffix, body)
		s.suffixes[suffix] = struct{}{}
	}

	manifest, _ := json.Marshal(chunkSizes)
	s.Index.Destination.Write("log.chunks", manifest)
}

// Start flushes the given initial data immediately, so that pollers find
// log.chunks right away, then uploads the bundled log viewer once.
func (s *Streamer) Start(data string) {
	s.mu.Lock()
	s.pending = []byte(data)
	s.sendPending()
	s.mu.Unlock()

	s.uploadViewer()
}

func (s *Streamer) uploadViewer() {
	entries, err := viewerFS.ReadDir("viewer")
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if s.Index.Has(name) {
			continue
		}
		data, err := viewerFS.ReadFile("viewer/" + name)
		if err != nil {
			continue
		}
		s.Index.Write(name, data)
	}
}

// Write appends data to the pending buffer, flushing immediately once the
// size limit is exceeded, or arming a 30-second timer for the first byte
// of a new pending run.
func (s *Streamer) Write(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, data...)

	if len(s.pending) > sizeLimit {
		s.sendPending()
	} else if len(s.pending) > 0 && s.timer == nil {
		s.timer = s.afterFunc(timeLimit, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.sendPending()
		})
	}
}

// Close concatenates every chunk plus any still-pending bytes into one
// "log" blob, uploads it through the index, and deletes every segment
// ever written so viewers see a 404 and know streaming has ended.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.clearTimer()

	var everything []byte
	for _, chunk := range s.chunks {
		for _, block := range chunk {
			everything = append(everything, block...)
		}
	}
	everything = append(everything, s.pending...)

	suffixes := make([]string, 0, len(s.suffixes))
	for suffix := range s.suffixes {
		suffixes = append(suffixes, suffix)
	}
	s.mu.Unlock()

	s.Index.Write("log", everything)

	names := make([]string, len(suffixes))
	for i, suffix := range suffixes {
		names[i] = "log." + suffix
	}
	s.Index.Destination.Delete(names)
}

// chunkCount reports the current number of chunk groups, for tests that
// assert the 2048 algorithm's logarithmic growth bound.
func (s *Streamer) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
