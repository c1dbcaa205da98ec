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

package ocxl_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	ocxl "github.com/opencapi/ocxl-go"
	"github.com/opencapi/ocxl-go/memtest"
	"github.com/opencapi/ocxl-go/sim"
)

func TestOcxl(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OCXL Suite")
}

var _ = Describe("AFU", func() {
	var (
		root string
		dev  *sim.AFU
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "ocxl")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, root)

		dev, err = sim.New(root, sim.Config{
			GlobalMMIOSize: 0x800,
			LPCMemSize:     1 << 20,
			LPCMemNode:     1,
			GlobalRegs:     map[uint64]uint64{0x0: 0x8},
		})
		Expect(err).NotTo(HaveOccurred())

		os.Setenv(ocxl.DevPathEnv, dev.DevRoot())
		os.Setenv(ocxl.SysPathEnv, dev.SysRoot())
		DeferCleanup(os.Unsetenv, ocxl.DevPathEnv)
		DeferCleanup(os.Unsetenv, ocxl.SysPathEnv)
	})

	Describe("Open", func() {
		It("finds an AFU by name", func() {
			afu, err := ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			defer afu.Close()
			Expect(afu.Name()).To(Equal("IBM,LPC"))
		})

		It("fails for a name with no instances", func() {
			_, err := ocxl.Open("IBM,NONE")
			Expect(err).To(HaveOccurred())
		})

		It("picks the first instance when several match", func() {
			_, err := sim.New(root, sim.Config{Position: "0006:00:00.1"})
			Expect(err).NotTo(HaveOccurred())

			afu, err := ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			defer afu.Close()

			// The second instance came up with node 0; the first
			// advertises node 1.
			node, err := afu.LPCMemNode()
			Expect(err).NotTo(HaveOccurred())
			Expect(node).To(Equal(1))
		})

		It("fails when the sysfs entry is missing", func() {
			Expect(os.RemoveAll(dev.SysPath())).To(Succeed())
			_, err := ocxl.Open("IBM,LPC")
			Expect(err).To(HaveOccurred())
		})

		It("opens an explicit device node", func() {
			afu, err := ocxl.OpenFromDev(dev.DevPath())
			Expect(err).NotTo(HaveOccurred())
			defer afu.Close()
			Expect(afu.Name()).To(Equal("IBM,LPC"))
		})

		It("reports unreadable device nodes", func() {
			if os.Geteuid() == 0 {
				Skip("root opens anything")
			}
			Expect(os.Chmod(dev.DevPath(), 0)).To(Succeed())
			_, err := ocxl.Open("IBM,LPC")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("attributes", func() {
		var afu *ocxl.AFU

		BeforeEach(func() {
			var err error
			afu, err = ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { afu.Close() })
		})

		It("reports the AFU version", func() {
			major, minor, err := afu.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(major).To(Equal(uint8(1)))
			Expect(minor).To(Equal(uint8(0)))
		})

		It("reports the LPC memory size and node", func() {
			size, err := afu.LPCMemSize()
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(uint64(1 << 20)))

			node, err := afu.LPCMemNode()
			Expect(err).NotTo(HaveOccurred())
			Expect(node).To(Equal(1))
		})

		It("onlines the LPC memory", func() {
			Expect(afu.OnlineLPCMem()).To(Succeed())
			b, err := os.ReadFile(filepath.Join(dev.SysPath(), "lpc_mem_online"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b[:1])).To(Equal("1"))
		})
	})

	Describe("global MMIO", func() {
		var (
			afu    *ocxl.AFU
			global *ocxl.MMIO
		)

		BeforeEach(func() {
			var err error
			afu, err = ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { afu.Close() })

			global, err = afu.MapGlobalMMIO()
			Expect(err).NotTo(HaveOccurred())
		})

		It("maps the whole register area", func() {
			Expect(global.Size()).To(Equal(uint64(0x800)))
		})

		It("reads preloaded registers", func() {
			v, err := global.Read64(0x0, ocxl.Order)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(0x8)))
		})

		It("persists written registers to the device", func() {
			Expect(global.Write64(0x0, ocxl.Order, 0x15)).To(Succeed())
			Expect(global.Unmap()).To(Succeed())

			v, err := dev.GlobalReg64(0x0)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(0x15)))
		})

		It("round-trips 32 bit registers", func() {
			Expect(global.Write32(0x100, ocxl.Order, 0xcafef00d)).To(Succeed())
			v, err := global.Read32(0x100, ocxl.Order)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint32(0xcafef00d)))
		})

		It("rejects unaligned access", func() {
			_, err := global.Read64(0x4, ocxl.Order)
			Expect(err).To(HaveOccurred())
			Expect(global.Write32(0x2, ocxl.Order, 1)).NotTo(Succeed())
		})

		It("rejects access outside the window", func() {
			_, err := global.Read64(0x800, ocxl.Order)
			Expect(err).To(HaveOccurred())
			_, err = global.Read32(0x800, ocxl.Order)
			Expect(err).To(HaveOccurred())
		})

		It("errors after Unmap", func() {
			Expect(global.Unmap()).To(Succeed())
			Expect(global.Unmap()).To(Succeed())
			_, err := global.Read64(0x0, ocxl.Order)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LPC memory", func() {
		var afu *ocxl.AFU

		BeforeEach(func() {
			var err error
			afu, err = ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { afu.Close() })
			Expect(afu.OnlineLPCMem()).To(Succeed())
		})

		It("rejects windows beyond the advertised size", func() {
			_, err := afu.MapLPCMem(0, 2<<20)
			Expect(err).To(HaveOccurred())
			_, err = afu.MapLPCMem(1<<20, 8)
			Expect(err).To(HaveOccurred())
		})

		It("rejects empty windows", func() {
			_, err := afu.MapLPCMem(0, 0)
			Expect(err).To(HaveOccurred())
		})

		It("fills and verifies the pattern across separate mappings", func() {
			offset := uint64(os.Getpagesize())
			size := uint64(64 * memtest.WordSize)

			lpc, err := afu.MapLPCMem(offset, size)
			Expect(err).NotTo(HaveOccurred())
			Expect(memtest.Fill(lpc.Buffer(), offset, ocxl.Order)).To(Equal(uint64(64)))
			Expect(lpc.Unmap()).To(Succeed())

			lpc, err = afu.MapLPCMem(offset, size)
			Expect(err).NotTo(HaveOccurred())
			words, mismatches := memtest.Verify(lpc.Buffer(), offset, ocxl.Order, nil)
			Expect(words).To(Equal(uint64(64)))
			Expect(mismatches).To(BeZero())
			Expect(lpc.Unmap()).To(Succeed())
		})

		It("reports corrupted words with index, expected and actual value", func() {
			size := uint64(16 * memtest.WordSize)
			lpc, err := afu.MapLPCMem(0, size)
			Expect(err).NotTo(HaveOccurred())
			memtest.Fill(lpc.Buffer(), 0, ocxl.Order)
			Expect(lpc.Unmap()).To(Succeed())

			// Flip one byte behind the library's back.
			f, err := os.OpenFile(dev.LPCMemPath(), os.O_RDWR, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteAt([]byte{0xff}, 5*memtest.WordSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			lpc, err = afu.MapLPCMem(0, size)
			Expect(err).NotTo(HaveOccurred())
			var bad []memtest.Mismatch
			_, mismatches := memtest.Verify(lpc.Buffer(), 0, ocxl.Order, func(m memtest.Mismatch) {
				bad = append(bad, m)
			})
			Expect(mismatches).To(Equal(uint64(1)))
			Expect(bad).To(HaveLen(1))
			Expect(bad[0].Index).To(Equal(uint64(5)))
			Expect(bad[0].Want).To(Equal(uint64(5 * memtest.WordSize)))
			Expect(bad[0].Got).To(Equal(uint64(0xff)))
			Expect(lpc.Unmap()).To(Succeed())
		})
	})

	Describe("ioctls", func() {
		It("fail on a fabricated device node", func() {
			afu, err := ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			defer afu.Close()

			Expect(afu.Attach()).NotTo(Succeed())
			_, err = afu.GetMetadata()
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Close", func() {
		It("releases live mappings", func() {
			afu, err := ocxl.Open("IBM,LPC")
			Expect(err).NotTo(HaveOccurred())
			global, err := afu.MapGlobalMMIO()
			Expect(err).NotTo(HaveOccurred())

			Expect(afu.Close()).To(Succeed())
			_, err = global.Read64(0x0, ocxl.Order)
			Expect(err).To(HaveOccurred())
		})
	})
})
