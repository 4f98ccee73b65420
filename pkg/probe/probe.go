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

// Package probe determines the CPU bitmask width a topology Context should
// use: the minimum width the affinity syscall accepts. A sysfs CPU count
// that needs a wider mask is accepted only when LIBTOPOLOGY_CPUMASK_OVERRIDE
// is set; otherwise it is an error.
package probe

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/log"
	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/sysfsfs"
)

var logger = log.NewLogger("probe")

// overrideEnvVar permits a sysfs-derived width larger than the affinity
// syscall's minimum accepted width.
const overrideEnvVar = "LIBTOPOLOGY_CPUMASK_OVERRIDE"

// fixedWidth is used on platforms that offer only a fixed-size affinity
// mask. This library's sysfs-reading core only runs on Linux, but keeping
// this branch documents the portability seam the original design called for.
const fixedWidth = 128 // bytes; matches glibc's default CPU_SETSIZE/8

// startWidth is the smallest width tried against sched_getaffinity before
// doubling.
const startWidth = 128

// maxProbeWidth bounds the doubling loop so a persistently failing syscall
// cannot spin forever.
const maxProbeWidth = 1 << 20

// ProbeError reports that the CPU bitmask width could not be determined, or
// that sysfs reports more CPUs than this process can address.
type ProbeError struct {
	Op  string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe: %s: %v", e.Op, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ErrNoCPUs is the cause wrapped into a *ProbeError when sysfs enumerates
// zero CPUs. Callers that need to tell an empty sysfs root apart from
// every other width-determination failure can match it with errors.Is.
var ErrNoCPUs = errors.New("no CPUs found in sysfs")

// Width computes the byte width every CPU bitmask built against sysfsRoot
// should use.
func Width(sysfsRoot string) (int, error) {
	if runtime.GOOS != "linux" {
		return fixedWidth, nil
	}

	schedWidth, err := schedAffinityWidth()
	if err != nil {
		return 0, &ProbeError{Op: "sched_getaffinity", Err: err}
	}

	sysWidth, err := sysfsCeilingWidth(sysfsRoot)
	if err != nil {
		return 0, &ProbeError{Op: "sysfs-cpu-enumeration", Err: err}
	}

	logger.Debug("sched_getaffinity width %d bytes, sysfs ceiling %d bytes", schedWidth, sysWidth)

	if sysWidth <= schedWidth {
		return schedWidth, nil
	}

	if os.Getenv(overrideEnvVar) != "" {
		logger.Debug("%s set: using sysfs-derived width %d over sched width %d", overrideEnvVar, sysWidth, schedWidth)
		return sysWidth, nil
	}

	return 0, &ProbeError{
		Op: "width-mismatch",
		Err: errors.Errorf(
			"kernel reports CPUs up to a %d-byte mask, wider than the %d-byte mask sched_getaffinity accepts; set %s to override",
			sysWidth, schedWidth, overrideEnvVar,
		),
	}
}

// schedAffinityWidth finds the smallest buffer size sched_getaffinity(2)
// accepts for the calling thread, doubling from startWidth whenever the
// kernel reports the buffer as too small (EINVAL).
func schedAffinityWidth() (int, error) {
	size := startWidth
	for {
		buf := make([]byte, size)
		_, _, errno := unix.Syscall(unix.SYS_SCHED_GETAFFINITY, 0, uintptr(size), uintptr(unsafe.Pointer(&buf[0])))
		switch errno {
		case 0:
			return size, nil
		case unix.EINVAL:
			size *= 2
			if size > maxProbeWidth {
				return 0, errors.New("no accepted sched_getaffinity width found")
			}
		default:
			return 0, errors.Wrap(errno, "sched_getaffinity failed")
		}
	}
}

// sysfsCeilingWidth returns the byte width needed to address every CPU id
// sysfs enumerates under devices/system/cpu.
func sysfsCeilingWidth(sysfsRoot string) (int, error) {
	dir := sysfsfs.Join(sysfsRoot, "devices/system/cpu")
	entries, err := sysfsfs.ListPrefixed(dir, "cpu")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to enumerate %s", dir)
	}

	max := -1
	for _, e := range entries {
		if e.ID > max {
			max = e.ID
		}
	}
	if max < 0 {
		return 0, errors.Wrapf(ErrNoCPUs, "under %s", dir)
	}

	bits := max + 1
	return (bits + 7) / 8, nil
}
