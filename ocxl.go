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
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Device paths etc.
const (
	defaultDevRoot = "/dev/ocxl"
	defaultSysRoot = "/sys/class/ocxl"

	// DevPathEnv and SysPathEnv override the device and sysfs roots.
	// They let the sim package stand in for real hardware.
	DevPathEnv = "OCXL_DEV_PATH"
	SysPathEnv = "OCXL_SYS_PATH"
)

// Sysfs attributes of an AFU.
const (
	versionAttr   = "afu_version"
	lpcSizeAttr   = "lpc_mem_size"
	lpcNodeAttr   = "lpc_mem_node"
	lpcOnlineAttr = "lpc_mem_online"
)

// Order is the byte order AFU registers are presented in. OpenCAPI
// devices are little endian regardless of host order.
var Order binary.ByteOrder = binary.LittleEndian

// MessageFlag selects the classes of messages the library logs to stderr.
type MessageFlag uint

const (
	// Errors logs failing library calls as they fail.
	Errors MessageFlag = 1 << iota
	// Tracing logs opens, mappings and register accesses.
	Tracing
)

var libMessages = Errors

// EnableMessages selects the message classes for operations that are not
// tied to an open AFU. AFUs opened afterwards inherit the value.
func EnableMessages(flags MessageFlag) {
	libMessages = flags
}

// AFU is an open accelerator function unit.
type AFU struct {
	name     string // AFU name, e.g. "IBM,LPC"
	instance string // device instance, e.g. "IBM,LPC.0004:00:00.1.0"
	devPath  string
	sysPath  string

	file  *os.File
	msg   MessageFlag
	mmios []*MMIO // live mappings, released on Close
}

// Open opens the first AFU carrying the given name, e.g. "IBM,LPC".
// Devices are looked up under /dev/ocxl and their attributes under
// /sys/class/ocxl, unless OCXL_DEV_PATH / OCXL_SYS_PATH say otherwise.
func Open(name string) (*AFU, error) {
	devRoot := rootPath(DevPathEnv, defaultDevRoot)
	entries, err := os.ReadDir(devRoot)
	if err != nil {
		return nil, failLib(errors.Wrapf(err, "scanning %s", devRoot))
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), name+".") {
			return OpenFromDev(filepath.Join(devRoot, e.Name()))
		}
	}
	return nil, failLib(errors.Errorf("no AFU named %q in %s", name, devRoot))
}

// OpenFromDev opens the AFU behind an explicit device node, e.g.
// /dev/ocxl/IBM,LPC.0004:00:00.1.0.
func OpenFromDev(path string) (*AFU, error) {
	instance := filepath.Base(path)
	name, _, ok := strings.Cut(instance, ".")
	if !ok {
		return nil, failLib(errors.Errorf("device name %q is not <afu>.<position>.<index>", instance))
	}

	a := &AFU{
		name:     name,
		instance: instance,
		devPath:  path,
		sysPath:  filepath.Join(rootPath(SysPathEnv, defaultSysRoot), instance),
		msg:      libMessages,
	}
	if _, err := os.Stat(a.sysPath); err != nil {
		return nil, failLib(errors.Wrapf(err, "no sysfs entry for %s (is the ocxl driver loaded?)", instance))
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, failLib(permissionHint(err, path))
	}
	a.file = f
	a.trace("opened %s", path)
	return a, nil
}

// Close releases any mappings still live and closes the device node.
func (a *AFU) Close() error {
	for len(a.mmios) > 0 {
		a.mmios[len(a.mmios)-1].Unmap()
	}
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.trace("closed %s", a.devPath)
	return err
}

// Name returns the AFU name, e.g. "IBM,LPC".
func (a *AFU) Name() string {
	return a.name
}

// EnableMessages selects the message classes logged for this AFU.
func (a *AFU) EnableMessages(flags MessageFlag) {
	a.msg = flags
}

// Version returns the AFU version advertised in sysfs.
func (a *AFU) Version() (major, minor uint8, err error) {
	s, err := a.readAttr(versionAttr)
	if err != nil {
		return 0, 0, a.fail(err)
	}
	ma, mi, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, a.fail(errors.Errorf("malformed %s %q", versionAttr, s))
	}
	mj, err := strconv.ParseUint(ma, 10, 8)
	if err != nil {
		return 0, 0, a.fail(errors.Wrapf(err, "parsing %s %q", versionAttr, s))
	}
	mn, err := strconv.ParseUint(mi, 10, 8)
	if err != nil {
		return 0, 0, a.fail(errors.Wrapf(err, "parsing %s %q", versionAttr, s))
	}
	return uint8(mj), uint8(mn), nil
}

// LPCMemSize returns the size in bytes of the AFU attached memory.
func (a *AFU) LPCMemSize() (uint64, error) {
	s, err := a.readAttr(lpcSizeAttr)
	if err != nil {
		return 0, a.fail(err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, a.fail(errors.Wrapf(err, "parsing %s %q", lpcSizeAttr, s))
	}
	return v, nil
}

// LPCMemNode returns the NUMA node the attached memory onlines into.
func (a *AFU) LPCMemNode() (int, error) {
	s, err := a.readAttr(lpcNodeAttr)
	if err != nil {
		return 0, a.fail(err)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, a.fail(errors.Wrapf(err, "parsing %s %q", lpcNodeAttr, s))
	}
	return v, nil
}

// OnlineLPCMem asks the kernel to online the AFU attached memory so it
// can be mapped with MapLPCMem.
func (a *AFU) OnlineLPCMem() error {
	if err := a.writeAttr(lpcOnlineAttr, "1"); err != nil {
		return a.fail(err)
	}
	a.trace("onlined lpc memory on %s", a.instance)
	return nil
}

func (a *AFU) attrPath(name string) string {
	return filepath.Join(a.sysPath, name)
}

func (a *AFU) readAttr(name string) (string, error) {
	b, err := os.ReadFile(a.attrPath(name))
	if err != nil {
		return "", errors.Wrapf(err, "reading attribute %s", name)
	}
	return strings.TrimSpace(string(b)), nil
}

// writeAttr sends the string to the named sysfs attribute.
func (a *AFU) writeAttr(name, value string) error {
	fd, err := os.OpenFile(a.attrPath(name), os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "attribute %s", name)
	}
	defer fd.Close()
	if _, err := fd.WriteString(value); err != nil {
		return errors.Wrapf(err, "writing attribute %s", name)
	}
	return nil
}

// rootPath returns the env override for a lookup root, or the default.
func rootPath(env, def string) string {
	if p := os.Getenv(env); p != "" {
		return p
	}
	return def
}

// permissionHint annotates permission errors on device files with the
// process capability state, the usual culprit on locked-down systems.
func permissionHint(err error, path string) error {
	if !os.IsPermission(err) {
		return errors.Wrapf(err, "open %s", path)
	}
	if ok, capErr := cap.GetProc().GetFlag(cap.Effective, cap.DAC_OVERRIDE); capErr == nil && !ok {
		return errors.Wrapf(err, "open %s (no cap_dac_override; run as root or fix the udev rules)", path)
	}
	return errors.Wrapf(err, "open %s", path)
}

// fail logs err when error messages are enabled and passes it through.
func (a *AFU) fail(err error) error {
	if err != nil && a.msg&Errors != 0 {
		log.Print("ocxl: ", err)
	}
	return err
}

func failLib(err error) error {
	if err != nil && libMessages&Errors != 0 {
		log.Print("ocxl: ", err)
	}
	return err
}

func (a *AFU) trace(format string, args ...any) {
	if a.msg&Tracing != 0 {
		log.Printf("ocxl: "+format, args...)
	}
}
