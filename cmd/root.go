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

// Package cmd implements wimfsctl's cobra command tree: mount and
// unmount, each resolving its cfg.Config through viper so the same
// knob can come from a flag or a yaml config file.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/wimlibgo/wimfs/cfg"
)

var (
	cfgFile      string
	bindErr      error
	unmarshalErr error
	mountConfig  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "wimfsctl",
	Short: "Mount and unmount WIM archives as local file systems",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a yaml config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&mountConfig)
		return
	}

	abs, err := filepath.Abs(cfgFile)
	if err != nil {
		unmarshalErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}

	viper.SetConfigFile(abs)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		unmarshalErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&mountConfig)
}
