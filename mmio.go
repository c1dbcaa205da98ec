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
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Binary sysfs attributes backing the mappable areas of an AFU.
const (
	globalMMIOAttr = "global_mmio_area"
	lpcMemAttr     = "lpc_mem"
)

// MMIO is one mapped window of an AFU: the global MMIO register area or
// a slice of the LPC attached memory.
type MMIO struct {
	afu  *AFU
	attr string
	buf  []byte
}

// MapGlobalMMIO maps the AFU's whole global MMIO register area
// read/write.
func (a *AFU) MapGlobalMMIO() (*MMIO, error) {
	f, err := os.OpenFile(a.attrPath(globalMMIOAttr), os.O_RDWR, 0)
	if err != nil {
		return nil, a.fail(permissionHint(err, a.attrPath(globalMMIOAttr)))
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, a.fail(errors.Wrapf(err, "sizing %s", globalMMIOAttr))
	}
	return a.mapAttr(f, globalMMIOAttr, 0, uint64(st.Size()))
}

// MapLPCMem maps size bytes of the AFU attached memory starting at
// offset. The offset must be page aligned and the window must lie inside
// the advertised memory size. The memory has to be onlined first.
func (a *AFU) MapLPCMem(offset, size uint64) (*MMIO, error) {
	total, err := a.LPCMemSize()
	if err != nil {
		return nil, a.fail(err)
	}
	if offset > total || size > total-offset {
		return nil, a.fail(errors.Errorf("window [%#x, %#x) exceeds lpc memory of %#x bytes",
			offset, offset+size, total))
	}
	f, err := os.OpenFile(a.attrPath(lpcMemAttr), os.O_RDWR, 0)
	if err != nil {
		return nil, a.fail(permissionHint(err, a.attrPath(lpcMemAttr)))
	}
	defer f.Close()
	return a.mapAttr(f, lpcMemAttr, offset, size)
}

func (a *AFU) mapAttr(f *os.File, attr string, offset, size uint64) (*MMIO, error) {
	buf, err := unix.Mmap(int(f.Fd()), int64(offset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, a.fail(errors.Wrapf(err, "mapping %d bytes of %s at %#x", size, attr, offset))
	}
	m := &MMIO{afu: a, attr: attr, buf: buf}
	a.mmios = append(a.mmios, m)
	a.trace("mapped %s [%#x, %#x)", attr, offset, offset+size)
	return m, nil
}

// Buffer returns the mapped bytes. The slice is only valid until Unmap.
func (m *MMIO) Buffer() []byte {
	return m.buf
}

// Size returns the length of the window in bytes.
func (m *MMIO) Size() uint64 {
	return uint64(len(m.buf))
}

// Unmap releases the window. Unmapping twice is harmless; any further
// access through the MMIO errors.
func (m *MMIO) Unmap() error {
	if m.buf == nil {
		return nil
	}
	buf := m.buf
	m.buf = nil
	m.afu.untrack(m)
	m.afu.trace("unmapped %s", m.attr)
	return unix.Munmap(buf)
}

func (a *AFU) untrack(m *MMIO) {
	for i, t := range a.mmios {
		if t == m {
			a.mmios = append(a.mmios[:i], a.mmios[i+1:]...)
			return
		}
	}
}

// check validates an access of width bytes at offset.
func (m *MMIO) check(offset uint64, width int) error {
	if m.buf == nil {
		return errors.Errorf("%s is unmapped", m.attr)
	}
	if offset%uint64(width) != 0 {
		return errors.Errorf("%s offset %#x is not %d byte aligned", m.attr, offset, width)
	}
	if uint64(len(m.buf)) < uint64(width) || offset > uint64(len(m.buf))-uint64(width) {
		return errors.Errorf("%s offset %#x is outside the %#x byte window", m.attr, offset, len(m.buf))
	}
	return nil
}

// Read64 returns the 8 byte value at offset in the given byte order.
func (m *MMIO) Read64(offset uint64, order binary.ByteOrder) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, m.afu.fail(err)
	}
	v := order.Uint64(m.buf[offset:])
	m.afu.trace("%s: read64 %#x -> %#x", m.attr, offset, v)
	return v, nil
}

// Write64 stores an 8 byte value at offset in the given byte order.
func (m *MMIO) Write64(offset uint64, order binary.ByteOrder, v uint64) error {
	if err := m.check(offset, 8); err != nil {
		return m.afu.fail(err)
	}
	order.PutUint64(m.buf[offset:], v)
	m.afu.trace("%s: write64 %#x <- %#x", m.attr, offset, v)
	return nil
}

// Read32 returns the 4 byte value at offset in the given byte order.
func (m *MMIO) Read32(offset uint64, order binary.ByteOrder) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, m.afu.fail(err)
	}
	v := order.Uint32(m.buf[offset:])
	m.afu.trace("%s: read32 %#x -> %#x", m.attr, offset, v)
	return v, nil
}

// Write32 stores a 4 byte value at offset in the given byte order.
func (m *MMIO) Write32(offset uint64, order binary.ByteOrder, v uint32) error {
	if err := m.check(offset, 4); err != nil {
		return m.afu.fail(err)
	}
	order.PutUint32(m.buf[offset:], v)
	m.afu.trace("%s: write32 %#x <- %#x", m.attr, offset, v)
	return nil
}
