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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"bytes"
	"context"
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/fsimpl/tmpfs"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/vmsim/config"
)

// dataFile is the name of the file every simulation starts with.
const dataFile = "data"

// dataContents returns the initial contents of dataFile: two pages of a
// repeating pattern.
func dataContents() []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), 2*hostarch.PageSize/16)
}

// simulation is a kernel with its own frame cache and filesystem.
type simulation struct {
	k     *kernel.Kernel
	fs    *tmpfs.Filesystem
	cache *pgalloc.Cache

	// live is the number of live memory objects before the simulation
	// started.
	live int64
}

// newSimulation creates a kernel configured by conf whose filesystem holds
// dataFile.
func newSimulation(conf *config.Config) (*simulation, error) {
	fs := tmpfs.NewFilesystem()
	if _, err := fs.CreateRegular(dataFile, dataContents()); err != nil {
		return nil, err
	}
	c := pgalloc.NewCache(conf.CacheFrames)
	return &simulation{
		k:     kernel.New(c, conf.Layout(), fs),
		fs:    fs,
		cache: c,
		live:  mm.LiveObjects(),
	}, nil
}

// release kills every remaining process and releases the filesystem. It
// returns an error if any memory object or frame outlived the processes.
func (s *simulation) release(ctx context.Context) error {
	s.k.KillAll(ctx, 0)
	s.fs.Release(ctx)
	if n := s.cache.Len(); n != 0 {
		return fmt.Errorf("%d frames resident after all processes exited", n)
	}
	if n := mm.LiveObjects() - s.live; n != 0 {
		return fmt.Errorf("%d memory objects leaked", n)
	}
	return nil
}
