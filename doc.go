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

/*

Package ocxl provides a Go library to access OpenCAPI Accelerator Function
Units (AFUs) through the Linux ocxl driver
(https://www.kernel.org/doc/html/latest/arch/powerpc/ocxl.html), as found on
POWER9 systems with OpenCAPI-attached accelerators and storage class memory.

An AFU is opened by name; its character device lives under /dev/ocxl and its
attributes under /sys/class/ocxl. The library maps the AFU's global MMIO
register area and its LPC ("Lowest Point of Coherency") attached memory into
the process address space and gives endian-explicit 32/64 bit access to
registers, plus the raw mapped bytes for bulk access.

This package does not include any support for developing AFU images or
programming the FPGA; for that, the vendor toolchain for the card should be
used.

The sample programs under examples/ exercise the IBM,LPC and IBM,SCM
reference AFUs, and the sim package fabricates a device tree so both the
library and the samples can run on machines without OpenCAPI hardware.

*/
package ocxl
