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
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/bitmask"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/sysfsfs"
)

var (
	errCacheIncomplete = errors.New("missing a required cache attribute")
	errCacheNotMember  = errors.New("cpu not a member of its own shared_cpu_map")
)

// build walks sysfs and populates ctx.system, ctx.entities, and
// ctx.devices. Any error aborts the whole build; the caller is responsible
// for releasing partial state.
func (ctx *Context) build() error {
	ctx.system = ctx.newEntity(System, 0, nil)
	ctx.isolated = ctx.readIsolated()

	sources, err := ctx.discoverNodeSources()
	if err != nil {
		return err
	}

	ctx.pkgTable = newSigTable[*ProcEnt](8*ctx.width, false)
	ctx.coreTables = map[*ProcEnt]*sigTable[*ProcEnt]{}

	for _, src := range sources {
		nodeEnt := ctx.newEntity(Node, src.id, ctx.system)
		if src.dir != "" {
			if distance, ok, err := sysfsfs.ReadAttr(src.dir, "distance"); err == nil && ok {
				nodeEnt.setAttr("distance", distance)
			}
		}

		cpus, err := sysfsfs.ListPrefixed(src.cpuDir, "cpu")
		if err != nil {
			return &BuildError{Path: src.cpuDir, Err: err}
		}

		for _, cpu := range cpus {
			if err := ctx.buildCPU(nodeEnt, cpu.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

type nodeSource struct {
	id     int
	dir    string // sysfs node{N} directory; "" for the synthetic single node
	cpuDir string // directory to enumerate cpu{id} entries from
}

// discoverNodeSources enumerates devices/system/node/node{N}. If that
// directory is absent or empty, the machine is treated as single-node with
// id 0, sourcing CPUs from devices/system/cpu directly.
func (ctx *Context) discoverNodeSources() ([]nodeSource, error) {
	nodeRoot := sysfsfs.Join(ctx.sysfsRoot, "devices/system/node")
	entries, err := sysfsfs.ListPrefixed(nodeRoot, "node")
	if err != nil {
		return nil, &BuildError{Path: nodeRoot, Err: err}
	}

	if len(entries) == 0 {
		return []nodeSource{{id: 0, cpuDir: sysfsfs.Join(ctx.sysfsRoot, "devices/system/cpu")}}, nil
	}

	sources := make([]nodeSource, 0, len(entries))
	for _, e := range entries {
		dir := sysfsfs.Join(nodeRoot, e.Name)
		sources = append(sources, nodeSource{id: e.ID, dir: dir, cpuDir: dir})
	}
	return sources, nil
}

// buildCPU admits a single logical CPU into the graph, coalescing it into
// the package/core its sibling-mask signatures identify, and best-effort
// discovering its cache devices.
func (ctx *Context) buildCPU(nodeEnt *ProcEnt, cpuID int) error {
	cpuDir := sysfsfs.Join(ctx.sysfsRoot, "devices/system/cpu", fmt.Sprintf("cpu%d", cpuID))

	online, present, err := sysfsfs.ReadAttr(cpuDir, "online")
	if err != nil {
		return &BuildError{Path: cpuDir, Err: err}
	}
	if present && online == "0" {
		ctx.log.Debug("cpu%d offline, skipping", cpuID)
		return nil
	}

	sPkg, havePkg, err := sysfsfs.ReadAttr(cpuDir, "topology/core_siblings")
	if err != nil {
		return &BuildError{Path: cpuDir, Err: err}
	}
	if !havePkg {
		sPkg = strconv.Itoa(cpuID)
	}

	pkgEnt, found := ctx.pkgTable.get(sPkg)
	if !found {
		pkgEnt = ctx.newEntity(Package, cpuID, nodeEnt)
		pkgEnt.signature = sPkg
		ctx.pkgTable.put(sPkg, pkgEnt)
	}

	sCore, haveCore, err := sysfsfs.ReadAttr(cpuDir, "topology/thread_siblings")
	if err != nil {
		return &BuildError{Path: cpuDir, Err: err}
	}
	if !haveCore {
		sCore = strconv.Itoa(cpuID)
	}

	coreTable, ok := ctx.coreTables[pkgEnt]
	if !ok {
		coreTable = newSigTable[*ProcEnt](8*ctx.width, false)
		ctx.coreTables[pkgEnt] = coreTable
	}

	coreEnt, found := coreTable.get(sCore)
	if !found {
		coreEnt = ctx.newEntity(Core, cpuID, pkgEnt)
		coreEnt.signature = sCore
		coreTable.put(sCore, coreEnt)
	}

	threadEnt := ctx.newEntity(Thread, cpuID, coreEnt)
	for e := threadEnt; e != nil; e = e.parent {
		e.mask.Set(cpuID)
	}
	threadEnt.setAttr("isolated", strconv.FormatBool(ctx.isolated.Test(cpuID)))

	ctx.buildCaches(threadEnt, cpuDir, cpuID)

	return nil
}

// newEntity creates an entity, links it into the tree and sibling chain,
// and appends it to the global construction-order list.
func (ctx *Context) newEntity(level Level, id int, parent *ProcEnt) *ProcEnt {
	e := &ProcEnt{
		level:  level,
		id:     id,
		parent: parent,
		mask:   bitmask.New(ctx.width),
	}
	if parent != nil {
		if n := len(parent.children); n > 0 {
			parent.children[n-1].sibling = e
		}
		parent.children = append(parent.children, e)
	}
	ctx.entities = append(ctx.entities, e)
	return e
}

// buildCaches discovers every cache device visible from a thread's sysfs
// cache/index{k} directories. Failures here are recoverable: the offending
// cache is abandoned and discovery continues, never aborting the build.
func (ctx *Context) buildCaches(threadEnt *ProcEnt, cpuDir string, cpuID int) {
	cacheDir := sysfsfs.Join(cpuDir, "cache")
	indices, err := sysfsfs.ListPrefixed(cacheDir, "index")
	if err != nil {
		ctx.log.Debug("cpu%d: no cache directory: %v", cpuID, err)
		return
	}

	var skipped *multierror.Error
	for _, idx := range indices {
		idxDir := sysfsfs.Join(cacheDir, idx.Name)
		if err := ctx.buildCache(threadEnt, idxDir, cpuID); err != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(err, "%s", idx.Name))
		}
	}
	if skipped != nil && ctx.log.DebugEnabled() {
		ctx.log.Debug("cpu%d: cache indices abandoned: %v", cpuID, skipped.ErrorOrNil())
	}
}

func (ctx *Context) buildCache(threadEnt *ProcEnt, idxDir string, cpuID int) error {
	size, haveSize, err := sysfsfs.ReadAttr(idxDir, "size")
	if err != nil {
		return err
	}
	kind, haveKind, err := sysfsfs.ReadAttr(idxDir, "type")
	if err != nil {
		return err
	}
	level, haveLevel, err := sysfsfs.ReadAttr(idxDir, "level")
	if err != nil {
		return err
	}
	sharedMap, haveShared, err := sysfsfs.ReadAttr(idxDir, "shared_cpu_map")
	if err != nil {
		return err
	}
	if !haveSize || !haveKind || !haveLevel || !haveShared {
		return errCacheIncomplete
	}

	mask, perr := bitmask.Parse(sharedMap, ctx.width)
	if perr != nil {
		return errors.Wrap(perr, "malformed shared_cpu_map")
	}
	if !mask.Test(cpuID) {
		return errCacheNotMember
	}

	sig := "cache-L" + level + "-" + kind + "-" + sharedMap
	if _, found := ctx.deviceTable.get(sig); found {
		return nil
	}

	dev := &Device{
		kind:      "cache",
		mask:      mask,
		signature: sig,
		attrs: []Attribute{
			{Name: "level", Value: level},
			{Name: "type", Value: kind},
			{Name: "size", Value: size},
			{Name: "shared_cpu_map", Value: sharedMap},
		},
	}
	ctx.devices = append(ctx.devices, dev)
	ctx.deviceTable.put(sig, dev)

	return nil
}

// readIsolated reads the global isolated-CPU list (a cpulist, not a kernel
// hex bitmask) and folds it into a bitmask for cheap per-thread lookup.
func (ctx *Context) readIsolated() bitmask.Mask {
	m := bitmask.New(ctx.width)

	raw, present, err := sysfsfs.ReadAttr(sysfsfs.Join(ctx.sysfsRoot, "devices/system/cpu"), "isolated")
	if err != nil || !present || raw == "" {
		return m
	}

	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			continue
		}
		lo, hi, ok := parseCPUListRange(part)
		if !ok {
			continue
		}
		for id := lo; id <= hi; id++ {
			m.Set(id)
		}
	}
	return m
}

// parseCPUListRange parses one comma-separated element of a kernel cpulist
// ("N" or "N-M") as used by files like devices/system/cpu/isolated.
func parseCPUListRange(s string) (lo, hi int, ok bool) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		a, erra := strconv.Atoi(s[:i])
		b, errb := strconv.Atoi(s[i+1:])
		if erra != nil || errb != nil {
			return 0, 0, false
		}
		return a, b, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return n, n, true
}
