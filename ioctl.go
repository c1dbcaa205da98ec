// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ocxl

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// The ioctl interface of the ocxl driver, from include/uapi/misc/ocxl.h.
const ocxlMagic = 0xCA

// _IOC encoding from asm-generic/ioctl.h: two direction bits, fourteen
// size bits, then the magic and number bytes.
const (
	iocWrite uintptr = 1
	iocRead  uintptr = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ocxlMagic<<8 | nr
}

// attachArgs mirrors struct ocxl_ioctl_attach.
type attachArgs struct {
	amr      uint64
	reserved [3]uint64
}

// metadataArgs mirrors struct ocxl_ioctl_metadata, version 0.
type metadataArgs struct {
	version         uint16
	afuVersionMajor uint8
	afuVersionMinor uint8
	pasid           uint32
	ppMMIOSize      uint64
	globalMMIOSize  uint64
}

var (
	reqAttach      = ioc(iocWrite, 0x10, unsafe.Sizeof(attachArgs{}))
	reqGetMetadata = ioc(iocRead, 0x14, unsafe.Sizeof(metadataArgs{}))
)

// Metadata describes an open AFU as reported by the driver.
type Metadata struct {
	Version         uint16 // metadata format version
	AFUVersionMajor uint8
	AFUVersionMinor uint8
	PASID           uint32 // address space identifier of this context
	PPMMIOSize      uint64 // per-PASID MMIO area size in bytes
	GlobalMMIOSize  uint64
}

// Attach binds the process address space to the AFU so the device can
// issue translated reads and writes against it. Mapping the global MMIO
// area or the LPC memory does not require an attach.
func (a *AFU) Attach() error {
	var args attachArgs
	if err := a.ioctl(reqAttach, unsafe.Pointer(&args)); err != nil {
		return a.fail(errors.Wrapf(err, "attaching to %s", a.instance))
	}
	a.trace("attached to %s", a.instance)
	return nil
}

// GetMetadata returns the driver's description of the AFU.
func (a *AFU) GetMetadata() (Metadata, error) {
	var args metadataArgs
	if err := a.ioctl(reqGetMetadata, unsafe.Pointer(&args)); err != nil {
		return Metadata{}, a.fail(errors.Wrapf(err, "metadata for %s", a.instance))
	}
	return Metadata{
		Version:         args.version,
		AFUVersionMajor: args.afuVersionMajor,
		AFUVersionMinor: args.afuVersionMinor,
		PASID:           args.pasid,
		PPMMIOSize:      args.ppMMIOSize,
		GlobalMMIOSize:  args.globalMMIOSize,
	}, nil
}

func (a *AFU) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, a.file.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
