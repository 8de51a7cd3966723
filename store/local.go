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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LocalDriver writes blobs under a local directory and forms file:// or
// HTTP URLs pointing into a separately-served link root.
type LocalDriver struct {
	Dir  string
	Link string
	Log  logrus.FieldLogger
}

// NewLocalDriver creates a filesystem-backed Driver per spec §4.3.
func NewLocalDriver(dir, link string, log logrus.FieldLogger) *LocalDriver {
	return &LocalDriver{Dir: dir, Link: link, Log: log}
}

// GetDestination implements Driver.
func (d *LocalDriver) GetDestination(slug string) Destination {
	return &localDestination{dir: filepath.Join(d.Dir, slug), link: d.Link + "/" + slug, log: d.Log}
}

type localDestination struct {
	dir  string
	link string
	log  logrus.FieldLogger
}

func (d *localDestination) path(filename string) string {
	return filepath.Join(d.dir, filename)
}

func (d *localDestination) Write(filename string, data []byte) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logError(errors.Wrapf(err, "creating directory %s", d.dir))
		return
	}
	if err := ioutil.WriteFile(d.path(filename), data, 0o644); err != nil {
		d.logError(errors.Wrapf(err, "writing %s", filename))
	}
}

func (d *localDestination) Delete(filenames []string) {
	for _, filename := range filenames {
		if err := os.Remove(d.path(filename)); err != nil && !os.IsNotExist(err) {
			d.logError(errors.Wrapf(err, "deleting %s", filename))
		}
	}
}

func (d *localDestination) URL(filename string) string {
	return d.link + "/" + filename
}

func (d *localDestination) ProxyURL(filename string) string {
	return d.URL(filename)
}

func (d *localDestination) Close(ctx context.Context) {}

func (d *localDestination) logError(err error) {
	if d.log != nil {
		d.log.WithError(err).Error("local destination write failed")
	}
}
