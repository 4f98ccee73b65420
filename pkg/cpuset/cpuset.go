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

// Package cpuset converts topology bitmasks into range-compressed CPUSet
// strings, for callers (schedulers, cgroup writers) that want
// "0-3,8,10-12" rather than a raw mask.
package cpuset

import (
	"strconv"
	"strings"

	"k8s.io/utils/cpuset"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/bitmask"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/topology"
)

// CPUSet is an alias for k8s.io/utils/cpuset.CPUSet.
type CPUSet = cpuset.CPUSet

// New is an alias for cpuset.New, for callers building a CPUSet directly
// from CPU ids rather than from a topology entity or mask.
var New = cpuset.New

// FromMask converts a topology bitmask into a CPUSet.
func FromMask(m bitmask.Mask) CPUSet {
	ids := make([]int, 0, m.Count())
	for i := 0; i < m.Bits(); i++ {
		if m.Test(i) {
			ids = append(ids, i)
		}
	}
	return cpuset.New(ids...)
}

// OfEntity returns the CPUSet of every thread under a processor entity.
func OfEntity(e *topology.ProcEnt) CPUSet {
	return FromMask(e.Mask())
}

// OfDevice returns the CPUSet of every thread a device (e.g. a cache) is
// shared by.
func OfDevice(d *topology.Device) CPUSet {
	return FromMask(d.Mask())
}

// Short prints a CPUSet, further compressing constant-stride runs
// ("0-6:2") beyond what CPUSet.String's plain range compression gives.
func Short(cset CPUSet) string {
	str, sep := "", ""

	beg, end, step := -1, -1, -1
	for _, cpu := range strings.Split(cset.String(), ",") {
		if strings.Contains(cpu, "-") {
			str += sep + cpu
			sep = ","
			continue
		}
		i, err := strconv.ParseInt(cpu, 10, 0)
		if err != nil {
			return cset.String()
		}
		id := int(i)
		if beg < 0 {
			beg, end = id, id
			continue
		}
		if step < 0 {
			end = id
			step = end - beg
			continue
		}
		if id-end == step {
			end = id
			continue
		}
		str += sep + mkRange(beg, end, step)
		sep = ","
		beg, end = id, id
		step = -1
	}

	if beg >= 0 {
		str += sep + mkRange(beg, end, step)
	}

	return str
}

func mkRange(beg, end, step int) string {
	if beg < 0 {
		return ""
	}
	if beg == end {
		return strconv.FormatInt(int64(beg), 10)
	}

	b, e := strconv.FormatInt(int64(beg), 10), strconv.FormatInt(int64(end), 10)
	if step == 1 {
		return b + "-" + e
	}
	if beg+step == end {
		return b + "," + e
	}

	s := strconv.FormatInt(int64(step), 10)
	return b + "-" + e + ":" + s
}
