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

// KVM ioctls.
const (
	_KVM_CREATE_VM              = 0xae01
	_KVM_CHECK_EXTENSION        = 0xae03
	_KVM_GET_DIRTY_LOG          = 0x4010ae42
	_KVM_SET_USER_MEMORY_REGION = 0x4020ae46
	_KVM_ENABLE_CAP             = 0x4068aea3
	_KVM_CLEAR_DIRTY_LOG        = 0xc018aec0
)

// KVM capabilities.
const (
	_KVM_CAP_NR_MEMSLOTS               = 10
	_KVM_CAP_MULTI_ADDRESS_SPACE       = 118
	_KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2 = 168
)

// KVM_SET_USER_MEMORY_REGION flags.
const (
	_KVM_MEM_LOG_DIRTY_PAGES = 1 << 0
	_KVM_MEM_READONLY        = 1 << 1
)

// KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2 arguments.
const (
	_KVM_DIRTY_LOG_MANUAL_PROTECT_ENABLE = 1 << 0
)

// clearAlign is the page alignment KVM_CLEAR_DIRTY_LOG requires of the first
// page it clears.
const clearAlign = 64

// userMemoryRegion is struct kvm_userspace_memory_region.
type userMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// dirtyLog is struct kvm_dirty_log.
type dirtyLog struct {
	slot   uint32
	_      uint32
	bitmap uint64
}

// clearDirtyLog is struct kvm_clear_dirty_log.
type clearDirtyLog struct {
	slot      uint32
	numPages  uint32
	firstPage uint64
	bitmap    uint64
}

// enableCap is struct kvm_enable_cap.
type enableCap struct {
	cap   uint32
	flags uint32
	args  [4]uint64
	_     [64]uint8
}
