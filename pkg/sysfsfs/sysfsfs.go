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

// Package sysfsfs provides the low-level sysfs access primitives the
// discovery engine is built on: path joining, whole-file reads, and
// prefix/numeric-suffix filtered directory enumeration.
package sysfsfs

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/eurolinux-enterprise-linux-sources/libtopology/pkg/log"
)

var logger = log.NewLogger("sysfsfs")

// DefaultRoot is the conventional sysfs mount point.
const DefaultRoot = "/sys"

// rootEnvVar overrides DefaultRoot, primarily so tests can point discovery
// at a fake sysfs tree.
const rootEnvVar = "LIBTOPOLOGY_SYSFS_ROOT"

// Root returns the sysfs root to use: the LIBTOPOLOGY_SYSFS_ROOT
// environment variable if set, otherwise DefaultRoot.
func Root() string {
	if r := os.Getenv(rootEnvVar); r != "" {
		return r
	}
	return DefaultRoot
}

// Join joins a sysfs root with one or more path elements.
func Join(root string, elem ...string) string {
	return filepath.Join(append([]string{root}, elem...)...)
}

// ReadFile returns the contents of path with any trailing newline stripped.
// Go's os package always opens files close-on-exec, so no extra flag
// handling is needed here.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// ReadAttr reads a single sysfs attribute file under dir. A missing file is
// not an error: it is reported via the second return value so callers can
// apply their own policy, per sysfs convention that optional attributes may
// not exist on every kernel.
func ReadAttr(dir, name string) (string, bool, error) {
	path := filepath.Join(dir, name)
	v, err := ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "failed to read %s", path)
	}
	return v, true, nil
}

// Entry is one directory entry matched by ListPrefixed: a name of the form
// prefix+N and the parsed numeric suffix N.
type Entry struct {
	Name string
	ID   int
}

// ListPrefixed enumerates dir for entries named prefix followed by a
// non-negative decimal integer, returned sorted by that integer ascending.
// A missing dir is not an error; it yields no entries. Entry type is
// accepted when it is a directory or when the filesystem does not report a
// type at all (DT_UNKNOWN) -- sysfs/kernfs commonly reports DT_UNKNOWN for
// everything it exposes, symlinked cpu entries under a NUMA node included.
func ListPrefixed(dir, prefix string) ([]Entry, error) {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to open directory %s", dir)
	}
	defer unix.Close(fd)

	var entries []Entry
	buf := make([]byte, 8192)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read directory %s", dir)
		}
		if n <= 0 {
			break
		}
		for _, raw := range parseDirents(buf[:n]) {
			if raw.typ != unix.DT_DIR && raw.typ != unix.DT_UNKNOWN {
				continue
			}
			if raw.name == "." || raw.name == ".." {
				continue
			}
			if !strings.HasPrefix(raw.name, prefix) {
				continue
			}
			suffix := raw.name[len(prefix):]
			if suffix == "" {
				continue
			}
			id, err := strconv.Atoi(suffix)
			if err != nil || id < 0 {
				continue
			}
			entries = append(entries, Entry{Name: raw.name, ID: id})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	logger.Debug("%s: %d entries matching %q*<N>", dir, len(entries), prefix)

	return entries, nil
}

type rawDirent struct {
	name string
	typ  uint8
}

// parseDirents walks a raw getdents(2) buffer, as returned by
// unix.ReadDirent, extracting each entry's name and d_type without the
// string-only view unix.ParseDirent would give us.
//
// Each record is only as long as it needs to be to hold its name --
// unix.Dirent.Name is a fixed 256-byte array, but the kernel never pads a
// short name out to it, so a record for "cpu0" is on the order of 24-32
// bytes, nowhere near unsafe.Sizeof(unix.Dirent{}). The loop therefore only
// ever requires the fixed header (up to the start of Name) to be present
// before trusting Reclen, not the whole struct.
func parseDirents(buf []byte) []rawDirent {
	var out []rawDirent
	var probe unix.Dirent
	reclenOff := int(unsafe.Offsetof(probe.Reclen))
	typeOff := int(unsafe.Offsetof(probe.Type))
	nameOff := int(unsafe.Offsetof(probe.Name))

	for len(buf) > 0 {
		if len(buf) < nameOff {
			break
		}
		reclen := int(binary.NativeEndian.Uint16(buf[reclenOff:]))
		if reclen <= 0 || reclen > len(buf) {
			break
		}
		typ := buf[typeOff]

		nameBuf := buf[nameOff:reclen]
		if i := bytes.IndexByte(nameBuf, 0); i >= 0 {
			nameBuf = nameBuf[:i]
		}
		out = append(out, rawDirent{name: string(nameBuf), typ: typ})

		buf = buf[reclen:]
	}
	return out
}
