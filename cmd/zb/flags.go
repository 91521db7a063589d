// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/csv"
	"slices"
	"strings"

	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/internal/storepath"
)

// storeDirectoryFlag is the implementation of [github.com/spf13/pflag.Value]
// for a [storepath.Directory] flag.
type storeDirectoryFlag storepath.Directory

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return storepath.Directory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := storepath.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

// stringSetFlag is similar to [github.com/spf13/pflag.StringArray],
// but prevents duplicate entries. If csv is true, stringSetFlag acts
// like [github.com/spf13/pflag.StringSlice].
type stringSetFlag struct {
	set     sets.Set[string]
	changed bool
	csv     bool
}

func (f *stringSetFlag) Get() any { return f.set }

func (f *stringSetFlag) Type() string {
	if f.csv {
		return "stringSlice"
	}
	return "stringArray"
}

func (f *stringSetFlag) GetSlice() []string {
	s := slices.Collect(f.set.All())
	slices.Sort(s)
	return s
}

func (f *stringSetFlag) String() string {
	buf := new(bytes.Buffer)
	buf.WriteString("[")
	w := csv.NewWriter(buf)
	_ = w.Write(f.GetSlice())
	w.Flush()
	b := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	b = append(b, "]"...)
	return string(b)
}

func (f *stringSetFlag) Set(s string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	if !f.changed {
		f.set.Clear()
		f.changed = true
	}
	if f.csv {
		r := csv.NewReader(strings.NewReader(s))
		vals, err := r.Read()
		if err != nil {
			return err
		}
		f.set.Add(vals...)
	} else {
		f.set.Add(s)
	}
	return nil
}

func (f *stringSetFlag) Append(val string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	}
	f.set.Add(val)
	return nil
}

func (f *stringSetFlag) Replace(val []string) error {
	if f.set == nil {
		f.set = make(sets.Set[string])
	} else {
		f.set.Clear()
	}
	f.set.Add(val...)
	return nil
}
