// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
)

// config is the on-disk configuration for the queue runner: the
// database location, the directory of the nix-store tool it shells out
// to, the poll interval, and the static facts the spec calls out as configuration
// inputs (the single-build pin and the local-platform set).
type config struct {
	Debug bool `json:"debug"`

	DB string `json:"db"`

	// StoreBinDir is passed through to the nix-store-backed [drv.Store]
	// implementation; empty resolves the binary from PATH.
	StoreBinDir string `json:"storeBinDir"`

	// BuildOne pins the monitor to a single build id. Zero means no pin.
	BuildOne int64 `json:"buildOne"`

	// LocalPlatforms is the set of platform tuples this deployment
	// will ever run locally.
	LocalPlatforms []string `json:"localPlatforms"`

	PollInterval jsonDuration `json:"pollInterval"`
}

func defaultConfig() *config {
	return &config{
		DB:           defaultDBPath(),
		LocalPlatforms: []string{currentPlatform()},
		PollInterval: jsonDuration{defaultPollInterval},
	}
}

func (c *config) mergeEnvironment() {
	if db := os.Getenv("QUEUE_RUNNER_DB"); db != "" {
		c.DB = db
	}
	if bin := os.Getenv("QUEUE_RUNNER_STORE_BIN_DIR"); bin != "" {
		c.StoreBinDir = bin
	}
}

func (c *config) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// UnmarshalJSONFrom unmarshals the configuration object from the JSON
// decoder, merging any fields in the JSON object with existing
// values, so that later config files layer on top of earlier ones
// instead of replacing them wholesale.
func (c *config) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object not a %v", got)
	}

	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
		default:
			return fmt.Errorf("unexpected non-string key (%v) in object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &c.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "db":
			if err := jsonv2.UnmarshalDecode(in, &c.DB); err != nil {
				return fmt.Errorf("unmarshal config.db: %w", err)
			}
		case "storeBinDir":
			if err := jsonv2.UnmarshalDecode(in, &c.StoreBinDir); err != nil {
				return fmt.Errorf("unmarshal config.storeBinDir: %w", err)
			}
		case "buildOne":
			if err := jsonv2.UnmarshalDecode(in, &c.BuildOne); err != nil {
				return fmt.Errorf("unmarshal config.buildOne: %w", err)
			}
		case "localPlatforms":
			newPlatforms := c.LocalPlatforms[len(c.LocalPlatforms):]
			if err := jsonv2.UnmarshalDecode(in, &newPlatforms); err != nil {
				return fmt.Errorf("unmarshal config.localPlatforms: %w", err)
			}
			c.LocalPlatforms = append(c.LocalPlatforms, newPlatforms...)
		case "pollInterval":
			if err := jsonv2.UnmarshalDecode(in, &c.PollInterval); err != nil {
				return fmt.Errorf("unmarshal config.pollInterval: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
	}
}

func (c *config) validate() error {
	if c.DB == "" {
		return fmt.Errorf("database path not set")
	}
	if len(c.LocalPlatforms) == 0 {
		return fmt.Errorf("no local platforms configured")
	}
	return nil
}

func (c *config) localPlatformSet() map[string]struct{} {
	s := make(map[string]struct{}, len(c.LocalPlatforms))
	for _, p := range c.LocalPlatforms {
		s[p] = struct{}{}
	}
	return s
}
