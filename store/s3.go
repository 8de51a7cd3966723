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
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// S3Driver opens destinations backed by an S3-compatible endpoint, per
// spec §4.3.
type S3Driver struct {
	HTTPClient *http.Client
	BaseURL    string
	ProxyURL   string
	Key        S3Key
	ACL        string
	Log        logrus.FieldLogger
}

// NewS3Driver creates an S3-compatible Driver. proxyURL may be empty, in
// which case external links fall back to baseURL.
func NewS3Driver(baseURL, proxyURL string, key S3Key, acl string, log logrus.FieldLogger) *S3Driver {
	if proxyURL == "" {
		proxyURL = baseURL
	}
	return &S3Driver{
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ProxyURL:   strings.TrimRight(proxyURL, "/"),
		Key:        key,
		ACL:        acl,
		Log:        log,
	}
}

// escapeSlug mirrors the source's key-prefix escaping: "//" -> "--" and
// ":" -> "-", so a slug can't be used to climb out of its bucket prefix
// or collide with S3's delimiter semantics.
func escapeSlug(slug string) string {
	slug = strings.ReplaceAll(slug, "//", "--")
	slug = strings.ReplaceAll(slug, ":", "-")
	return slug
}

// GetDestination implements Driver.
func (d *S3Driver) GetDestination(slug string) Destination {
	quoted := escapeSlug(slug)
	return &s3Destination{
		queue:     NewQueue(d.HTTPClient, d.Key, d.Log),
		baseURL:   d.BaseURL + "/" + quoted,
		proxyURL:  d.ProxyURL + "/" + quoted,
		acl:       d.ACL,
	}
}

type s3Destination struct {
	queue    *Queue
	baseURL  string
	proxyURL string
	acl      string
}

func (d *s3Destination) url(filename string) string {
	return d.baseURL + "/" + filename
}

// Write implements Destination. Content-Type is guessed from the
// filename extension, defaulting to text/plain; charset=utf-8.
func (d *s3Destination) Write(filename string, data []byte) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	headers := map[string]string{
		"content-type": contentType,
		"x-amz-acl":    d.acl,
	}
	d.queue.Put(d.url(filename), data, headers)
}

func (d *s3Destination) Delete(filenames []string) {
	for _, filename := range filenames {
		d.queue.PutDelete(d.url(filename))
	}
}

func (d *s3Destination) URL(filename string) string {
	return d.url(filename)
}

func (d *s3Destination) ProxyURL(filename string) string {
	return d.proxyURL + "/" + filename
}

func (d *s3Destination) Close(ctx context.Context) {
	d.queue.Close(ctx)
}
