// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/lightbitslabs/ahci-virtio/pkg/logging"
)

// Debug configures the auxiliary HTTP endpoint.
type Debug struct {
	Endpoint     string `yaml:"endpoint,omitempty"`
	Metrics      bool   `yaml:"metrics,omitempty"`
	EnablePprof  bool   `yaml:"enablepprof,omitempty"`
}

// StaticClient is one pre-bound client taken from the command line or the
// config file, in the form cap,disk_id,num_ds.
type StaticClient struct {
	Gate     string
	DeviceID string
	NumDS    int
}

// AppConfig is the driver host configuration.
type AppConfig struct {
	Logging logging.Config `yaml:"logging,omitempty"`
	Debug   Debug          `yaml:"debug,omitempty"`
	// AllowAddressWidthMismatch disables the 64-bit-host/32-bit-device
	// check (the -A switch).
	AllowAddressWidthMismatch bool `yaml:"allowAddressWidthMismatch,omitempty"`
	// StaticClients are raw cap,disk_id,num_ds descriptions.
	StaticClients []string `yaml:"staticClients,omitempty"`
}

// LoadFromViper materializes the configuration bound by the command layer.
func LoadFromViper() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Logging.Level != "" {
		if err := cfg.Logging.IsValid(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ParseStaticClient splits a cap,disk_id,num_ds description.
func ParseStaticClient(entry string) (*StaticClient, error) {
	parts := strings.SplitN(entry, ",", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("missing disk_id in static client description %q", entry)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("missing number of dataspaces in static client description %q", entry)
	}

	numds, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("cannot parse number of dataspaces in %q: %v", entry, err)
	}
	if numds <= 0 || numds > 256 {
		return nil, fmt.Errorf("number of dataspaces out of range in %q", entry)
	}

	return &StaticClient{Gate: parts[0], DeviceID: parts[1], NumDS: numds}, nil
}
