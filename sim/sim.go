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

// Package sim fabricates the /dev/ocxl and /sys/class/ocxl file tree of
// an OpenCAPI AFU under a chosen root, so the ocxl library and the
// sample programs can run on machines without OpenCAPI hardware. Point
// the library at a tree through the environment:
//
//	export OCXL_DEV_PATH=<root>/dev/ocxl
//	export OCXL_SYS_PATH=<root>/sys/class/ocxl
//
// The register area and the LPC memory are regular files, so mappings
// made through the library behave like device memory: filled patterns
// persist across separate mappings and processes. The ioctl surface of a
// real device node is not simulated; Attach and GetMetadata fail on a
// fabricated tree.
package sim

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults for Config fields left zero, shaped after the IBM,LPC
// reference AFU.
const (
	DefaultName           = "IBM,LPC"
	DefaultPosition       = "0004:00:00.1"
	DefaultGlobalMMIOSize = 0x800
	DefaultLPCMemSize     = 256 << 20
)

// Config describes the AFU to fabricate.
type Config struct {
	Name           string // AFU name, e.g. "IBM,LPC"
	Position       string // PCI position, e.g. "0004:00:00.1"
	Index          uint8  // AFU index behind the function
	GlobalMMIOSize uint64
	LPCMemSize     uint64
	LPCMemNode     int
	// GlobalRegs preloads little endian 64 bit registers into the
	// global MMIO area, keyed by byte offset.
	GlobalRegs map[uint64]uint64
}

// AFU is a fabricated device tree.
type AFU struct {
	root     string
	cfg      Config
	instance string
}

// New builds the tree for cfg under root, creating directories as
// needed. Several AFUs can share one root.
func New(root string, cfg Config) (*AFU, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Position == "" {
		cfg.Position = DefaultPosition
	}
	if cfg.GlobalMMIOSize == 0 {
		cfg.GlobalMMIOSize = DefaultGlobalMMIOSize
	}
	if cfg.LPCMemSize == 0 {
		cfg.LPCMemSize = DefaultLPCMemSize
	}

	a := &AFU{
		root:     root,
		cfg:      cfg,
		instance: fmt.Sprintf("%s.%s.%d", cfg.Name, cfg.Position, cfg.Index),
	}

	if err := os.MkdirAll(a.DevRoot(), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.SysPath(), 0o755); err != nil {
		return nil, err
	}

	// The device node. Only its presence matters to the library;
	// mappings go through the sysfs attributes.
	if err := os.WriteFile(a.DevPath(), nil, 0o600); err != nil {
		return nil, err
	}

	attrs := map[string]string{
		"afu_version":      "1:0",
		"global_mmio_size": fmt.Sprintf("%d", cfg.GlobalMMIOSize),
		"lpc_mem_size":     fmt.Sprintf("%d", cfg.LPCMemSize),
		"lpc_mem_node":     fmt.Sprintf("%d", cfg.LPCMemNode),
		"lpc_mem_online":   "0",
	}
	for name, value := range attrs {
		if err := os.WriteFile(a.attrPath(name), []byte(value+"\n"), 0o644); err != nil {
			return nil, err
		}
	}

	regs := make([]byte, cfg.GlobalMMIOSize)
	for offset, value := range cfg.GlobalRegs {
		if offset%8 != 0 || offset > cfg.GlobalMMIOSize || 8 > cfg.GlobalMMIOSize-offset {
			return nil, fmt.Errorf("register %#x outside the %#x byte global area", offset, cfg.GlobalMMIOSize)
		}
		binary.LittleEndian.PutUint64(regs[offset:], value)
	}
	if err := os.WriteFile(a.attrPath("global_mmio_area"), regs, 0o644); err != nil {
		return nil, err
	}

	// Sparse backing for the LPC memory, which can be hundreds of
	// gigabytes on real cards.
	mem, err := os.Create(a.attrPath("lpc_mem"))
	if err != nil {
		return nil, err
	}
	defer mem.Close()
	if err := mem.Truncate(int64(cfg.LPCMemSize)); err != nil {
		return nil, err
	}
	return a, nil
}

// Instance returns the device instance name, e.g.
// "IBM,LPC.0004:00:00.1.0".
func (a *AFU) Instance() string { return a.instance }

// DevRoot returns the directory standing in for /dev/ocxl.
func (a *AFU) DevRoot() string { return filepath.Join(a.root, "dev", "ocxl") }

// SysRoot returns the directory standing in for /sys/class/ocxl.
func (a *AFU) SysRoot() string { return filepath.Join(a.root, "sys", "class", "ocxl") }

// DevPath returns the fabricated device node.
func (a *AFU) DevPath() string { return filepath.Join(a.DevRoot(), a.instance) }

// SysPath returns the fabricated sysfs directory of the AFU.
func (a *AFU) SysPath() string { return filepath.Join(a.SysRoot(), a.instance) }

func (a *AFU) attrPath(name string) string { return filepath.Join(a.SysPath(), name) }

// GlobalMMIOPath returns the backing file of the global MMIO area.
func (a *AFU) GlobalMMIOPath() string { return a.attrPath("global_mmio_area") }

// LPCMemPath returns the backing file of the LPC memory.
func (a *AFU) LPCMemPath() string { return a.attrPath("lpc_mem") }

// GlobalReg64 reads a register straight from the backing file, bypassing
// any mapping a client holds.
func (a *AFU) GlobalReg64(offset uint64) (uint64, error) {
	f, err := os.Open(a.GlobalMMIOPath())
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var b [8]byte
	if _, err := f.ReadAt(b[:], int64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
