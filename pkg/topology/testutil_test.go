// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSys builds a minimal fake sysfs tree under t.TempDir() for use with
// InitAt. It keeps CPU ids well inside any real machine's affinity mask so
// that probe.Width's sched_getaffinity/sysfs width negotiation succeeds.
type fakeSys struct {
	t    *testing.T
	root string
}

func newFakeSys(t *testing.T) *fakeSys {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "devices/system/cpu"), 0755))
	return &fakeSys{t: t, root: root}
}

func (f *fakeSys) cpuDir(id int) string {
	dir := filepath.Join(f.root, "devices/system/cpu", fmt.Sprintf("cpu%d", id))
	require.NoError(f.t, os.MkdirAll(dir, 0755))
	return dir
}

func (f *fakeSys) writeAttr(dir, name, value string) {
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, name), []byte(value), 0644))
}

// addCPU registers a logical CPU with its package/core sibling signatures.
func (f *fakeSys) addCPU(id int, coreSiblings, threadSiblings string) {
	dir := f.cpuDir(id)
	f.writeAttr(dir, "online", "1")
	topoDir := filepath.Join(dir, "topology")
	require.NoError(f.t, os.MkdirAll(topoDir, 0755))
	f.writeAttr(topoDir, "core_siblings", coreSiblings)
	f.writeAttr(topoDir, "thread_siblings", threadSiblings)
}

// addCache registers a cache/index{N} directory under the given CPU.
func (f *fakeSys) addCache(cpuID, index int, level, kind, size, sharedCPUMap string) {
	dir := f.cpuDir(cpuID)
	idxDir := filepath.Join(dir, "cache", fmt.Sprintf("index%d", index))
	require.NoError(f.t, os.MkdirAll(idxDir, 0755))
	f.writeAttr(idxDir, "level", level)
	f.writeAttr(idxDir, "type", kind)
	f.writeAttr(idxDir, "size", size)
	f.writeAttr(idxDir, "shared_cpu_map", sharedCPUMap)
}

// addIncompleteCache registers a cache/index{N} directory missing
// shared_cpu_map, simulating a kernel build that doesn't expose it.
func (f *fakeSys) addIncompleteCache(cpuID, index int, level, kind, size string) {
	dir := f.cpuDir(cpuID)
	idxDir := filepath.Join(dir, "cache", fmt.Sprintf("index%d", index))
	require.NoError(f.t, os.MkdirAll(idxDir, 0755))
	f.writeAttr(idxDir, "level", level)
	f.writeAttr(idxDir, "type", kind)
	f.writeAttr(idxDir, "size", size)
}

// addNode registers a NUMA node directory containing cpuN entries for each
// of cpuIDs, as sysfs does via symlinks back to devices/system/cpu/cpuN.
func (f *fakeSys) addNode(id int, cpuIDs ...int) {
	dir := filepath.Join(f.root, "devices/system/node", fmt.Sprintf("node%d", id))
	require.NoError(f.t, os.MkdirAll(dir, 0755))
	for _, cpuID := range cpuIDs {
		require.NoError(f.t, os.MkdirAll(filepath.Join(dir, fmt.Sprintf("cpu%d", cpuID)), 0755))
	}
}
