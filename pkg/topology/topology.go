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

// Package topology discovers a stable, in-memory model of a Linux machine's
// CPU topology and cache devices from sysfs, and exposes it through a
// read-only traversal and query API. Construction is a single transactional
// build: on success the returned Context, every ProcEnt and Device reachable
// from it, is immutable for the rest of its lifetime; on failure nothing is
// left allocated.
package topology

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/bitmask"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/log"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/probe"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/sysfsfs"
)

// Level is a position in the processor entity hierarchy. Lower values are
// closer to a hardware thread; a parent's level is always its child's
// level plus one.
type Level int

const (
	// Thread is a single hardware thread (the smallest schedulable unit).
	Thread Level = iota + 1
	// Core is a unit executing one or more hardware threads (SMT siblings).
	Core
	// Package is a physical socket grouping one or more cores.
	Package
	// Node is a NUMA locality domain.
	Node
	// System is the single root of the hierarchy.
	System
)

// Valid reports whether l is one of the five defined levels.
func (l Level) Valid() bool {
	return l >= Thread && l <= System
}

// String returns a lower-case name for the level, or "invalid".
func (l Level) String() string {
	switch l {
	case Thread:
		return "thread"
	case Core:
		return "core"
	case Package:
		return "package"
	case Node:
		return "node"
	case System:
		return "system"
	default:
		return "invalid"
	}
}

// Attribute is a single named string attribute on a ProcEnt or Device.
type Attribute struct {
	Name  string
	Value string
}

// ProcEnt is one node of the processor entity tree: a system, a NUMA node, a
// package, a core, or a hardware thread. Every field is set once during
// construction and never mutated afterwards.
type ProcEnt struct {
	level     Level
	id        int
	parent    *ProcEnt
	children  []*ProcEnt
	sibling   *ProcEnt
	mask      bitmask.Mask
	memSize   *uint64 // reserved for Node; never populated (no sysfs source identified)
	signature string  // sibling-mask signature used only during construction
	attrs     []Attribute
}

// Level returns the entity's level.
func (e *ProcEnt) Level() Level { return e.level }

// ID returns this entity's id: its own logical CPU id for a thread, the id of
// the first thread discovered under it for a core or package, the NUMA node
// number for a node (0 for the synthetic single node), and 0 for the system.
func (e *ProcEnt) ID() int { return e.id }

// Parent returns the entity one level up, or nil for the system entity.
func (e *ProcEnt) Parent() *ProcEnt { return e.parent }

// Children returns the entities one level down, in discovery order. The
// returned slice is a copy; mutating it does not affect the context.
func (e *ProcEnt) Children() []*ProcEnt {
	out := make([]*ProcEnt, len(e.children))
	copy(out, e.children)
	return out
}

// Sibling returns the next child of this entity's parent in discovery
// order, or nil if this is the last (or only) child.
func (e *ProcEnt) Sibling() *ProcEnt { return e.sibling }

// Mask returns a borrowed view of this entity's CPU bitmask: the union of
// every thread id in its subtree. The view is valid until the owning
// Context is freed and must not be mutated.
func (e *ProcEnt) Mask() bitmask.Mask { return e.mask }

// CopyMask copies this entity's CPU bitmask into dst.
func (e *ProcEnt) CopyMask(dst bitmask.Mask) { e.mask.CopyTo(dst) }

// MemorySize returns the entity's reserved memory size and whether it has
// been populated. No sysfs source has been wired up for it yet; it is
// always (0, false) today.
func (e *ProcEnt) MemorySize() (uint64, bool) {
	if e.memSize == nil {
		return 0, false
	}
	return *e.memSize, true
}

// Attribute returns a named string attribute and whether it was present.
func (e *ProcEnt) Attribute(name string) (string, bool) {
	for _, a := range e.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func (e *ProcEnt) setAttr(name, value string) {
	e.attrs = append(e.attrs, Attribute{Name: name, Value: value})
}

// Device is a hardware resource distinct from a processor entity. The only
// device kind this engine discovers is "cache".
type Device struct {
	kind      string
	mask      bitmask.Mask
	attrs     []Attribute
	signature string // (level, type, shared_cpu_map) dedup key
}

// Type returns the device's kind tag, e.g. "cache".
func (d *Device) Type() string { return d.kind }

// Mask returns a borrowed view of the CPUs that share this device. Must not
// be mutated; valid until the owning Context is freed.
func (d *Device) Mask() bitmask.Mask { return d.mask }

// CopyMask copies this device's affinity bitmask into dst.
func (d *Device) CopyMask(dst bitmask.Mask) { d.mask.CopyTo(dst) }

// Attribute returns a named string attribute and whether it was present.
func (d *Device) Attribute(name string) (string, bool) {
	for _, a := range d.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Attributes returns every attribute recorded for this device, in no
// particular order.
func (d *Device) Attributes() []Attribute {
	out := make([]Attribute, len(d.attrs))
	copy(out, d.attrs)
	return out
}

// BuildError reports that a mandatory sysfs read failed, or that a required
// entity could not be created, during construction.
type BuildError struct {
	Path string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build: %s: %v", e.Path, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ProbeError reports that the CPU bitmask width could not be determined.
type ProbeError = probe.ProbeError

// ParseError reports a malformed kernel bitmask string.
type ParseError = bitmask.ParseError

// Context owns the sysfs root, the chosen bitmask width, the entity tree,
// and the global device list. After Init/InitAt returns successfully
// everything reachable from a Context is immutable; concurrent readers need
// no external synchronization. Free is not safe to race with any other
// operation on the same Context.
type Context struct {
	log       log.Logger
	sysfsRoot string
	width     int
	system    *ProcEnt
	entities  []*ProcEnt
	devices   []*Device
	isolated  bitmask.Mask

	// build-time only; released once build() returns.
	pkgTable    *sigTable[*ProcEnt]
	coreTables  map[*ProcEnt]*sigTable[*ProcEnt]
	deviceTable *sigTable[*Device]
}

// Init constructs a Context from the sysfs root named by the
// LIBTOPOLOGY_SYSFS_ROOT environment variable, or /sys if unset.
func Init() (*Context, *ProcEnt, error) {
	return InitAt(sysfsfs.Root())
}

// InitAt constructs a Context from the sysfs tree rooted at sysfsRoot.
// Construction is transactional: on any error every partial allocation is
// released before the error is returned.
func InitAt(sysfsRoot string) (*Context, *ProcEnt, error) {
	width, err := probe.Width(sysfsRoot)
	if err != nil {
		if buildErr := emptySysfsBuildError(sysfsRoot, err); buildErr != nil {
			return nil, nil, buildErr
		}
		return nil, nil, err
	}

	ctx := &Context{
		log:         log.NewLogger("topology"),
		sysfsRoot:   sysfsRoot,
		width:       width,
		deviceTable: newSigTable[*Device](2, true),
	}

	ctx.log.Debug("building topology from %s with a %d-byte cpu mask", sysfsRoot, width)

	if err := ctx.build(); err != nil {
		ctx.log.Error("build failed: %v", err)
		ctx.Free()
		return nil, nil, err
	}

	ctx.releaseBuildTables()

	return ctx, ctx.system, nil
}

// emptySysfsBuildError recasts a probe.Width failure caused specifically by
// sysfs enumerating zero CPUs as a *BuildError, so an empty sysfs root
// surfaces the same error type every other mandatory-sysfs-read failure
// during construction does. Every other probe.Width failure (an
// unreadable affinity syscall, a width mismatch) is left as a *ProbeError.
func emptySysfsBuildError(sysfsRoot string, err error) error {
	if !errors.Is(err, probe.ErrNoCPUs) {
		return nil
	}
	return &BuildError{Path: sysfsfs.Join(sysfsRoot, "devices/system/cpu"), Err: err}
}

// Free releases every entity, device, and lookup table owned by ctx. A
// freed Context must not be reused; Free is not safe to race with any other
// call on the same Context.
func (ctx *Context) Free() {
	ctx.system = nil
	ctx.entities = nil
	ctx.devices = nil
	ctx.isolated = nil
	ctx.releaseBuildTables()
}

func (ctx *Context) releaseBuildTables() {
	ctx.pkgTable = nil
	ctx.coreTables = nil
	ctx.deviceTable = nil
}

// SizeofCPUMask returns the byte width every bitmask in this Context uses.
func (ctx *Context) SizeofCPUMask() int { return ctx.width }

// System returns the root system entity.
func (ctx *Context) System() *ProcEnt { return ctx.system }

// Entities returns every entity in the context, in construction order. The
// returned slice is a copy.
func (ctx *Context) Entities() []*ProcEnt {
	out := make([]*ProcEnt, len(ctx.entities))
	copy(out, ctx.entities)
	return out
}

// Devices returns every device in the context. The returned slice is a copy.
func (ctx *Context) Devices() []*Device {
	out := make([]*Device, len(ctx.devices))
	copy(out, ctx.devices)
	return out
}

// Traverse returns the next entity at level to reachable from from,
// continuing after iter (or starting fresh when iter is nil):
//
//   - to == from.Level(): nil (self-iteration is undefined)
//   - to == from.Level()+1: from.Parent() (iter is ignored)
//   - to == from.Level()-1: the first child if iter is nil, else iter.Sibling()
//   - to > from.Level(): recurses on from.Parent()
//   - to < from.Level()-1: the next matching descendant in global
//     construction order, scanning after iter
//
// Direct-child order follows discovery order; descendant order follows
// global construction order. No other ordering is guaranteed.
func (ctx *Context) Traverse(from, iter *ProcEnt, to Level) *ProcEnt {
	if !to.Valid() || from == nil {
		return nil
	}
	switch {
	case to == from.level:
		return nil
	case to == from.level+1:
		return from.parent
	case to == from.level-1:
		if iter == nil {
			if len(from.children) == 0 {
				return nil
			}
			return from.children[0]
		}
		return iter.sibling
	case to > from.level:
		return ctx.Traverse(from.parent, nil, to)
	default:
		return ctx.descendantAt(from, iter, to)
	}
}

func (ctx *Context) descendantAt(from, iter *ProcEnt, to Level) *ProcEnt {
	start := 0
	if iter != nil {
		for i, e := range ctx.entities {
			if e == iter {
				start = i + 1
				break
			}
		}
	}
	for i := start; i < len(ctx.entities); i++ {
		e := ctx.entities[i]
		if e.level == to && isDescendant(e, from) {
			return e
		}
	}
	return nil
}

func isDescendant(e, ancestor *ProcEnt) bool {
	for p := e.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// FindDeviceByType returns the first device of the given type beginning
// after prev (or at the head if prev is nil), or nil at the end of the
// list. Enumeration order is construction order and is not guaranteed
// beyond that; callers must not rely on any particular order.
func (ctx *Context) FindDeviceByType(prev *Device, kind string) *Device {
	start := 0
	if prev != nil {
		for i, d := range ctx.devices {
			if d == prev {
				start = i + 1
				break
			}
		}
	}
	for i := start; i < len(ctx.devices); i++ {
		if ctx.devices[i].kind == kind {
			return ctx.devices[i]
		}
	}
	return nil
}
