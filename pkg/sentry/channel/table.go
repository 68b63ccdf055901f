// Copyright 2026 The gVisor Authors.
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

package channel

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/btree"
	"zerovm.dev/zvm/pkg/cleanup"
	"zerovm.dev/zvm/pkg/errors/zvmerr"
	"zerovm.dev/zvm/pkg/log"
)

// Standard aliases. Channels with these aliases get descriptors 0, 1 and 2.
const (
	StdinAlias  = "/dev/stdin"
	StdoutAlias = "/dev/stdout"
	StderrAlias = "/dev/stderr"
)

// MaxChannels bounds the number of channels of one sandbox.
const MaxChannels = 1 << 10

type aliasEntry struct {
	alias string
	desc  int
}

func aliasLess(a, b aliasEntry) bool {
	return a.alias < b.alias
}

// Table is the channel table of a sandbox. Descriptors index the table.
type Table struct {
	channels []*Channel
	aliases  *btree.BTreeG[aliasEntry]
}

func stdRank(alias string) int {
	switch alias {
	case StdinAlias:
		return 0
	case StdoutAlias:
		return 1
	case StderrAlias:
		return 2
	default:
		return 3
	}
}

// orderSpecs moves the standard aliases to the front, keeping the declared
// order otherwise.
func orderSpecs(specs []Spec) []Spec {
	ordered := slices.Clone(specs)
	slices.SortStableFunc(ordered, func(a, b Spec) int {
		return stdRank(a.Alias) - stdRank(b.Alias)
	})
	return ordered
}

// buildIndex indexes aliases. Duplicate aliases are an error.
func buildIndex(aliases []string) (*btree.BTreeG[aliasEntry], error) {
	if len(aliases) > MaxChannels {
		return nil, fmt.Errorf("%d channels declared, at most %d allowed", len(aliases), MaxChannels)
	}
	index := btree.NewG(8, aliasLess)
	for desc, alias := range aliases {
		if _, dup := index.ReplaceOrInsert(aliasEntry{alias: alias, desc: desc}); dup {
			return nil, fmt.Errorf("channel alias %q declared more than once", alias)
		}
	}
	return index, nil
}

// NewTable validates specs and opens every channel. Either all channels are
// opened or none are.
func NewTable(specs []Spec, opts Options) (*Table, error) {
	specs = orderSpecs(specs)
	aliases := make([]string, len(specs))
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, err
		}
		aliases[i] = specs[i].Alias
	}
	index, err := buildIndex(aliases)
	if err != nil {
		return nil, err
	}

	t := &Table{aliases: index, channels: make([]*Channel, 0, len(specs))}
	cu := cleanup.MakeErr(t.Close)
	defer cu.Clean()
	for _, spec := range specs {
		c, err := Open(spec, opts)
		if err != nil {
			return nil, err
		}
		t.channels = append(t.channels, c)
	}
	cu.Release()
	log.Infof("Mounted %d channels", len(t.channels))
	return t, nil
}

// NewTableFromChannels builds a table over already open channels, in order.
func NewTableFromChannels(channels []*Channel) (*Table, error) {
	aliases := make([]string, len(channels))
	for i, c := range channels {
		aliases[i] = c.Alias()
	}
	index, err := buildIndex(aliases)
	if err != nil {
		return nil, err
	}
	return &Table{aliases: index, channels: slices.Clone(channels)}, nil
}

// Len returns the number of channels.
func (t *Table) Len() int {
	return len(t.channels)
}

// Get returns the channel with descriptor desc.
func (t *Table) Get(desc int64) (*Channel, error) {
	if desc < 0 || desc >= int64(len(t.channels)) {
		return nil, zvmerr.ErrInvalidDesc
	}
	return t.channels[desc], nil
}

// Lookup returns the descriptor of the channel with the given alias.
func (t *Table) Lookup(alias string) (int, bool) {
	e, ok := t.aliases.Get(aliasEntry{alias: alias})
	return e.desc, ok
}

// Channels returns the channels in descriptor order.
func (t *Table) Channels() []*Channel {
	return slices.Clone(t.channels)
}

// String lists the channels in alias order.
func (t *Table) String() string {
	var b strings.Builder
	t.aliases.Ascend(func(e aliasEntry) bool {
		fmt.Fprintf(&b, "%d: %v\n", e.desc, t.channels[e.desc])
		return true
	})
	return b.String()
}

// Close tears down every channel and returns all teardown errors.
func (t *Table) Close() error {
	var errs []error
	for _, c := range t.channels {
		if err := c.Close(); err != nil {
			log.Warningf("Channel teardown failed: %v", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
