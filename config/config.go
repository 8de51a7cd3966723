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

// Package config knows how to read and parse the runner's TOML
// configuration (§6.2): a built-in baseline, JSON-merge-patched with
// exactly one override source, with [{file="..."}] leaves resolved
// against the override file's directory.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cockpit-project/job-runner/container"
	"github.com/cockpit-project/job-runner/forge"
	"github.com/cockpit-project/job-runner/github"
	"github.com/cockpit-project/job-runner/store"
)

// Config is a read-only snapshot of the merged configuration.
type Config struct {
	Container ContainerSection `json:"container"`
	Logs      LogsSection      `json:"logs"`
	Forge     ForgeSection     `json:"forge"`
}

// ContainerSection is [container].
type ContainerSection struct {
	Command      []string            `json:"command"`
	RunArgs      []string            `json:"run-args"`
	DefaultImage string              `json:"default-image"`
	Secrets      map[string][]string `json:"secrets"`
}

// LogsSection is [logs], selecting exactly one of Local or S3 by Driver.
type LogsSection struct {
	Driver string            `json:"driver"`
	Local  *LocalLogsSection `json:"local"`
	S3     *S3LogsSection    `json:"s3"`
}

// LocalLogsSection is [logs.local].
type LocalLogsSection struct {
	Dir  string `json:"dir"`
	Link string `json:"link"`
}

// S3LogsSection is [logs.s3]. Key holds whichever of the two accepted
// shapes (a "access secret" string, or an {access=, secret=} table) the
// config file used; resolveKey normalizes it.
type S3LogsSection struct {
	URL      string          `json:"url"`
	ProxyURL string          `json:"proxy_url"`
	Key      json.RawMessage `json:"key"`
	ACL      string          `json:"acl"`
}

func (s *S3LogsSection) resolveKey() (store.S3Key, error) {
	if s == nil || len(s.Key) == 0 {
		return store.S3Key{}, errors.New("logs.s3.key is required")
	}

	var asString string
	if err := json.Unmarshal(s.Key, &asString); err == nil {
		parts := strings.Fields(asString)
		if len(parts) != 2 {
			return store.S3Key{}, fmt.Errorf("logs.s3.key string form must be \"access secret\", got %q", asString)
		}
		return store.S3Key{Access: parts[0], Secret: parts[1]}, nil
	}

	var asTable struct {
		Access string `json:"access"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(s.Key, &asTable); err == nil && (asTable.Access != "" || asTable.Secret != "") {
		return store.S3Key{Access: asTable.Access, Secret: asTable.Secret}, nil
	}

	return store.S3Key{}, errors.New(`logs.s3.key must be a "access secret" string or {access=, secret=} table`)
}

// ForgeSection is [forge], selecting GitHub by Driver.
type ForgeSection struct {
	Driver string              `json:"driver"`
	GitHub *GitHubForgeSection `json:"github"`
}

// GitHubForgeSection is [forge.github].
type GitHubForgeSection struct {
	CloneURL   string `json:"clone-url"`
	APIURL     string `json:"api-url"`
	ContentURL string `json:"content-url"`
	Token      string `json:"token"`
	Post       *bool  `json:"post"`
}

// defaultConfig is the built-in baseline every override is merged onto.
const defaultConfig = `
[container]
command = ["podman"]
run-args = ["--rm"]
default-image = ""

[logs]
driver = "local"

[logs.local]
dir = "/var/log/job-runner"
link = "/logs"

[forge]
driver = "github"

[forge.github]
clone-url = "https://github.com"
api-url = "https://api.github.com"
content-url = "https://raw.githubusercontent.com"
post = true
`

// Load resolves the one override source per §6.2's precedence rule
// (cliPath, then $JOB_RUNNER_CONFIG, then the user config path, the
// last of which is allowed to not exist) and JSON-merge-patches it onto
// defaultConfig.
func Load(cliPath string) (*Config, error) {
	overridePath, required, err := resolveOverridePath(cliPath)
	if err != nil {
		return nil, err
	}

	defaultMap, err := decodeTOML(strings.NewReader(defaultConfig))
	if err != nil {
		return nil, errors.Wrap(err, "parsing built-in default config")
	}

	merged := defaultMap
	baseDir := ""
	if overridePath != "" {
		f, openErr := os.Open(overridePath)
		if openErr != nil {
			if required {
				return nil, errors.Wrapf(openErr, "reading config %s", overridePath)
			}
		} else {
			defer f.Close()
			overrideMap, err := decodeTOML(f)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing config %s", overridePath)
			}
			merged, err = mergePatch(defaultMap, overrideMap)
			if err != nil {
				return nil, errors.Wrap(err, "merging config")
			}
			baseDir = filepath.Dir(overridePath)
		}
	}

	if err := resolveFileLeaves(merged, baseDir); err != nil {
		return nil, err
	}

	var cfg Config
	if err := remarshal(merged, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding merged config")
	}
	return &cfg, nil
}

// resolveOverridePath implements the "exactly one of" precedence rule.
// A path named explicitly (by flag or environment variable) must exist;
// the user config path is allowed to be absent.
func resolveOverridePath(cliPath string) (path string, required bool, err error) {
	if cliPath != "" {
		return cliPath, true, nil
	}
	if env := os.Getenv("JOB_RUNNER_CONFIG"); env != "" {
		return env, true, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false, nil
	}
	return filepath.Join(dir, "job-runner", "config.toml"), false, nil
}

func decodeTOML(r io.Reader) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if _, err := toml.DecodeReader(r, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergePatch applies RFC 7396 JSON merge patch semantics (including
// "null removes the key") via the same library clarketm-prow vendors
// for its own admission-webhook patches.
func mergePatch(base, patch map[string]interface{}) (map[string]interface{}, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, err
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// resolveFileLeaves walks v looking for the [{file="name"}] pattern and
// replaces matches in place with the named file's contents.
func resolveFileLeaves(v interface{}, baseDir string) error {
	switch node := v.(type) {
	case map[string]interface{}:
		for key, child := range node {
			replacement, matched, err := fileLeaf(child, baseDir)
			if err != nil {
				return err
			}
			if matched {
				node[key] = replacement
				continue
			}
			if err := resolveFileLeaves(child, baseDir); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range node {
			if err := resolveFileLeaves(child, baseDir); err != nil {
				return err
			}
		}
	}
	return nil
}

func fileLeaf(v interface{}, baseDir string) (string, bool, error) {
	list, ok := v.([]interface{})
	if !ok || len(list) != 1 {
		return "", false, nil
	}
	table, ok := list[0].(map[string]interface{})
	if !ok || len(table) != 1 {
		return "", false, nil
	}
	name, ok := table["file"].(string)
	if !ok {
		return "", false, nil
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", path)
	}
	return string(data), true, nil
}

func remarshal(src interface{}, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// BuildContainerConfig translates [container] into the container
// package's runtime configuration.
func (c *Config) BuildContainerConfig() (container.Config, error) {
	if len(c.Container.Command) == 0 {
		return container.Config{}, errors.New("container.command must not be empty")
	}
	runArgs := append(append([]string{}, c.Container.Command[1:]...), c.Container.RunArgs...)
	return container.Config{
		Runtime:      c.Container.Command[0],
		RunArgs:      runArgs,
		DefaultImage: c.Container.DefaultImage,
		Secrets:      c.Container.Secrets,
	}, nil
}

// BuildStoreDriver translates [logs] into a store.Driver.
func (c *Config) BuildStoreDriver(log logrus.FieldLogger) (store.Driver, error) {
	switch c.Logs.Driver {
	case "local":
		if c.Logs.Local == nil {
			return nil, errors.New(`logs.driver is "local" but [logs.local] is not set`)
		}
		return store.NewLocalDriver(c.Logs.Local.Dir, c.Logs.Local.Link, log), nil
	case "s3":
		if c.Logs.S3 == nil {
			return nil, errors.New(`logs.driver is "s3" but [logs.s3] is not set`)
		}
		key, err := c.Logs.S3.resolveKey()
		if err != nil {
			return nil, err
		}
		return store.NewS3Driver(c.Logs.S3.URL, c.Logs.S3.ProxyURL, key, c.Logs.S3.ACL, log), nil
	default:
		return nil, fmt.Errorf("unknown logs.driver %q", c.Logs.Driver)
	}
}

// BuildForge translates [forge] into a forge.Forge.
func (c *Config) BuildForge(log logrus.FieldLogger) (forge.Forge, error) {
	switch c.Forge.Driver {
	case "github":
		gh := c.Forge.GitHub
		if gh == nil {
			return nil, errors.New(`forge.driver is "github" but [forge.github] is not set`)
		}
		post := true
		if gh.Post != nil {
			post = *gh.Post
		}
		return github.NewAdapter(github.AdapterConfig{
			APIURL:     gh.APIURL,
			ContentURL: gh.ContentURL,
			CloneURL:   gh.CloneURL,
			Token:      gh.Token,
			DryRun:     !post,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown forge.driver %q", c.Forge.Driver)
	}
}
