// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every knob the mount and unmount commands accept, bound
// from flags and an optional yaml config file by BindFlags/viper.Unmarshal.
type Config struct {
	AppName string `yaml:"app-name"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Staging StagingConfig `yaml:"staging"`

	Handshake HandshakeConfig `yaml:"handshake"`

	Metrics MetricsConfig `yaml:"metrics"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

type FileSystemConfig struct {
	FileMode int `yaml:"file-mode"`

	Uid int `yaml:"uid"`

	// AllowMultipleWriters is bound from --allow_multiple_writers. No
	// mount path reads it, so it has no effect on whether an archive
	// can be opened read-write.
	AllowMultipleWriters bool `yaml:"allow-multiple-writers"`
}

type StagingConfig struct {
	// Directory under which staging files for newly-materialized streams
	// are created. Empty means use the OS temp directory.
	Dir string `yaml:"dir"`
}

type HandshakeConfig struct {
	DaemonTimeoutSeconds int `yaml:"daemon-timeout-seconds"`

	ClientTimeoutSeconds int `yaml:"client-timeout-seconds"`
}

type MetricsConfig struct {
	// Port, if non-zero, starts an HTTP server on localhost serving
	// /metrics in the prometheus text exposition format for the
	// lifetime of the mount. Zero (the default) disables it.
	Port int `yaml:"port"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")

	err = viper.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Accepted but has no effect: no mount path reads this setting.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0644, "Permissions bits for materialized files, in octal.")

	err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes.")

	err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid"))
	if err != nil {
		return err
	}

	flagSet.BoolP("allow_multiple_writers", "", false, "Accepted but has no effect: no mount path reads this setting.")

	err = viper.BindPFlag("file-system.allow-multiple-writers", flagSet.Lookup("allow_multiple_writers"))
	if err != nil {
		return err
	}

	flagSet.StringP("staging_dir", "", "", "Directory for staging files created while materializing streams. Defaults to the OS temp directory.")

	err = viper.BindPFlag("staging.dir", flagSet.Lookup("staging_dir"))
	if err != nil {
		return err
	}

	flagSet.IntP("handshake_daemon_timeout", "", 3, "Seconds the daemon waits on the unmount handshake channel before giving up.")

	err = viper.BindPFlag("handshake.daemon-timeout-seconds", flagSet.Lookup("handshake_daemon_timeout"))
	if err != nil {
		return err
	}

	flagSet.IntP("handshake_client_timeout", "", 600, "Seconds the unmount client waits for the daemon to finish committing.")

	err = viper.BindPFlag("handshake.client-timeout-seconds", flagSet.Lookup("handshake_client_timeout"))
	if err != nil {
		return err
	}

	flagSet.IntP("metrics_port", "", 0, "Port to serve /metrics on, in the prometheus text exposition format. 0 disables it.")

	err = viper.BindPFlag("metrics.port", flagSet.Lookup("metrics_port"))
	if err != nil {
		return err
	}

	return nil
}
