// chatbroker - A multi-branch chat gateway message broker.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/chatbroker/pkg/identity"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Identity  IdentityConfig  `yaml:"identity"`
	Sync      SyncConfig      `yaml:"sync"`
	Recall    RecallConfig    `yaml:"recall"`
	Workers   WorkerConfig    `yaml:"workers"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen"`
	WebhookSecret string `yaml:"webhook_secret"`
	BodyLimit     int    `yaml:"body_limit"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type GatewayConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	LookupRPS   float64       `yaml:"lookup_rps"`
	LookupBurst int           `yaml:"lookup_burst"`
}

type BroadcastConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	Placeholder     string        `yaml:"placeholder"`
	RefreshCooldown time.Duration `yaml:"refresh_cooldown"`
	ResyncCron      string        `yaml:"resync_cron"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	displaynameTemplate *template.Template
}

type SyncConfig struct {
	LockTTL        time.Duration `yaml:"lock_ttl"`
	PageSize       int           `yaml:"page_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AutoTrigger    bool          `yaml:"auto_trigger"`
}

type RecallConfig struct {
	OperatorWindow time.Duration `yaml:"operator_window"`
	Marker         string        `yaml:"marker"`
}

type WorkerConfig struct {
	Count          int    `yaml:"count"`
	QueueSize      int    `yaml:"queue_size"`
	MaxRetries     uint64 `yaml:"max_retries"`
	BroadcastCount int    `yaml:"broadcast_count"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	var err error
	c.Identity.displaynameTemplate, err = template.New("displayname").Parse(c.Identity.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	if c.Identity.Placeholder == "" {
		c.Identity.Placeholder = "Unknown"
	}
	if c.Recall.OperatorWindow <= 0 {
		c.Recall.OperatorWindow = 5 * time.Minute
	}
	if c.Recall.Marker == "" {
		c.Recall.Marker = "Message recalled"
	}
	return nil
}

// FormatDisplayname renders the displayname template, falling back to the
// plain name and then the id.
func (c *IdentityConfig) FormatDisplayname(params identity.NameParams) string {
	if c.displaynameTemplate == nil {
		if params.Alias != "" {
			return params.Alias
		}
		return params.Name
	}
	var buf strings.Builder
	err := c.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return params.Name
	}
	return strings.TrimSpace(buf.String())
}

// ParseConfig decodes a full config file. The example config fills in
// anything the file leaves out.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "listen")
	if secret, ok := helper.Get(up.Str, "server", "webhook_secret"); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), "server", "webhook_secret")
	} else {
		helper.Copy(up.Str, "server", "webhook_secret")
	}
	helper.Copy(up.Int, "server", "body_limit")

	helper.Copy(up.Str, "database", "path")
	helper.Copy(up.Int, "database", "max_open_conns")

	helper.Copy(up.Str, "gateway", "base_url")
	helper.Copy(up.Str, "gateway", "api_key")
	helper.Copy(up.Str, "gateway", "timeout")
	helper.Copy(up.Float|up.Int, "gateway", "lookup_rps")
	helper.Copy(up.Int, "gateway", "lookup_burst")

	helper.Copy(up.Str, "broadcast", "url")
	helper.Copy(up.Str, "broadcast", "api_key")
	helper.Copy(up.Str, "broadcast", "timeout")

	helper.Copy(up.Str, "identity", "cache_ttl")
	helper.Copy(up.Str, "identity", "placeholder")
	helper.Copy(up.Str, "identity", "refresh_cooldown")
	helper.Copy(up.Str, "identity", "resync_cron")
	helper.Copy(up.Str, "identity", "displayname_template")

	helper.Copy(up.Str, "sync", "lock_ttl")
	helper.Copy(up.Int, "sync", "page_size")
	helper.Copy(up.Str, "sync", "request_timeout")
	helper.Copy(up.Bool, "sync", "auto_trigger")

	helper.Copy(up.Str, "recall", "operator_window")
	helper.Copy(up.Str, "recall", "marker")

	helper.Copy(up.Int, "workers", "count")
	helper.Copy(up.Int, "workers", "queue_size")
	helper.Copy(up.Int, "workers", "max_retries")
	helper.Copy(up.Int, "workers", "broadcast_count")

	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}

// Upgrader brings an older config file up to the current layout.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}
