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

// Command pmcat prints a file's contents, or lists a directory, out of a
// pmemfile pool without mounting it anywhere — a thin CLI wrapper around
// the library's Open/Read/Getdents64 calls, explicitly non-core per the
// library's scope.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmemgo/pmemfile/cred"
	"github.com/pmemgo/pmemfile/layout"
	"github.com/pmemgo/pmemfile/pmemfile"
)

var rootCmd = &cobra.Command{
	Use:   "pmcat pool-file path",
	Short: "Print a file's contents or list a directory from a pmemfile pool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0], args[1])
	},
}

func run(poolPath, path string) error {
	p, err := pmemfile.Open(poolPath, "PMEMFILE")
	if err != nil {
		return fmt.Errorf("opening pool %s: %w", poolPath, err)
	}
	defer p.Close()

	ctx := context.Background()
	c := cred.Cred{FSUID: uint32(os.Getuid()), FSGID: uint32(os.Getgid())}

	st, err := p.Stat(ctx, path, c, true)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := p.Open(ctx, path, 0, 0, c)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close(ctx)

	if st.Type == layout.InodeTypeDirectory {
		return listDir(f)
	}
	return catFile(ctx, f)
}

func catFile(ctx context.Context, f *pmemfile.File) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if n == 0 || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func listDir(f *pmemfile.File) error {
	buf := make([]byte, 4096)
	for {
		n := f.Getdents64(buf)
		if n == 0 {
			return nil
		}
		off := 0
		for off < n {
			reclen := int(buf[off+16]) | int(buf[off+17])<<8
			nameEnd := off + 19
			for buf[nameEnd] != 0 {
				nameEnd++
			}
			fmt.Println(string(buf[off+19 : nameEnd]))
			off += reclen
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
