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

// Command mkfs.pmemfile formats a new pool file: a thin CLI wrapper around
// pmemfile.Create, explicitly non-core per the library's scope — everything
// it does is one call into the library.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmemgo/pmemfile/pmemfile"
)

var (
	size uint64
)

var rootCmd = &cobra.Command{
	Use:   "mkfs.pmemfile [flags] path",
	Short: "Create and format a new pmemfile pool file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		p, err := pmemfile.Create(path, size, "PMEMFILE")
		if err != nil {
			return fmt.Errorf("creating pool at %s: %w", path, err)
		}
		defer p.Close()

		fmt.Printf("formatted %s (%d bytes)\n", path, size)
		return nil
	},
}

func init() {
	rootCmd.Flags().Uint64Var(&size, "size", 1<<30, "pool file size in bytes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
