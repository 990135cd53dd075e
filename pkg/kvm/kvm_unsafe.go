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

//go:build linux

package kvm

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, unix.Errno) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	return r, errno
}

// checkExtension returns the value KVM reports for capability c.
func checkExtension(fd int, c uintptr) (int, unix.Errno) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), _KVM_CHECK_EXTENSION, c)
	return int(r), errno
}

func (b *Backend) setMemoryRegion(r *userMemoryRegion) unix.Errno {
	_, errno := ioctl(b.vmFD, _KVM_SET_USER_MEMORY_REGION, unsafe.Pointer(r))
	return errno
}

func (b *Backend) getDirtyLog(slot uint32, words []uint64) unix.Errno {
	dl := dirtyLog{
		slot:   slot,
		bitmap: uint64(uintptr(unsafe.Pointer(&words[0]))),
	}
	_, errno := ioctl(b.vmFD, _KVM_GET_DIRTY_LOG, unsafe.Pointer(&dl))
	runtime.KeepAlive(words)
	return errno
}

func (b *Backend) clearDirtyLog(slot uint32, firstPage uint64, numPages uint32, words []uint64) unix.Errno {
	cl := clearDirtyLog{
		slot:      slot,
		numPages:  numPages,
		firstPage: firstPage,
		bitmap:    uint64(uintptr(unsafe.Pointer(&words[0]))),
	}
	_, errno := ioctl(b.vmFD, _KVM_CLEAR_DIRTY_LOG, unsafe.Pointer(&cl))
	runtime.KeepAlive(words)
	return errno
}

func enableCapability(fd int, c uint32, args ...uint64) unix.Errno {
	ec := enableCap{cap: c}
	copy(ec.args[:], args)
	_, errno := ioctl(fd, _KVM_ENABLE_CAP, unsafe.Pointer(&ec))
	return errno
}
