//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/config"
	"github.com/eliteGoblin/luxkernel/internal/kernel"
	"github.com/eliteGoblin/luxkernel/internal/update"
)

func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

func getJSON(url string, v any) int {
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	if v != nil {
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}
	return resp.StatusCode
}

var _ = Describe("Kernel", func() {
	var (
		tmpDir string
		cfg    *config.Config
		k      *kernel.Kernel
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "luxkernel-integration-*")
		Expect(err).NotTo(HaveOccurred())

		cfg = config.DefaultConfig()
		cfg.Paths.DataDir = filepath.Join(tmpDir, "kernel")
		cfg.Logging.File = ""
		cfg.Status.Enabled = true
		cfg.Status.Addr = freeAddr()
		cfg.Status.SnapshotInterval = 1
		cfg.Resources.MonitoringInterval = 1
	})

	AfterEach(func() {
		if k != nil {
			Expect(k.Stop()).To(Succeed())
		}
		os.RemoveAll(tmpDir)
	})

	start := func() {
		var err error
		k, err = kernel.New(cfg, zap.NewNop(), kernel.Options{
			Tick:     20 * time.Millisecond,
			Registry: prometheus.NewRegistry(),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(k.Start(context.Background())).To(Succeed())
	}

	Describe("startup", func() {
		Context("with the status server enabled", func() {
			It("should serve health, status and metrics over HTTP", func() {
				start()
				base := "http://" + cfg.Status.Addr

				Eventually(func() error {
					_, err := http.Get(base + "/healthz")
					return err
				}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

				var health map[string]string
				Expect(getJSON(base+"/healthz", &health)).To(Equal(http.StatusOK))
				Expect(health["status"]).To(Equal("ok"))

				var status map[string]any
				Expect(getJSON(base+"/status", &status)).To(Equal(http.StatusOK))
				Expect(status["kernel_id"]).To(Equal(k.ID()))
				Expect(status["state"]).To(Equal("running"))

				Expect(getJSON(base+"/metrics", nil)).To(Equal(http.StatusOK))
			})
		})

		Context("with updates staged before boot", func() {
			It("should apply them and report the versions", func() {
				desc, err := update.NewDescriptor("context_memory", "3.1.0", map[string]string{"memory.cfg": "compression=on"})
				Expect(err).NotTo(HaveOccurred())
				_, err = update.WriteDescriptor(cfg.Path("updates"), desc)
				Expect(err).NotTo(HaveOccurred())

				start()

				Expect(k.VersionInfo("context_memory").Active).To(Equal("3.1.0"))
				content, err := os.ReadFile(filepath.Join(cfg.Path("modules"), "context_memory", "memory.cfg"))
				Expect(err).NotTo(HaveOccurred())
				Expect(string(content)).To(Equal("compression=on"))
			})
		})
	})

	Describe("supervision", func() {
		Context("when a component stops", func() {
			It("should be repaired by the main loop", func() {
				start()
				Expect(k.Governor().Stop()).To(Succeed())

				Eventually(func() bool {
					return k.Governor().IsHealthy()
				}, 5*time.Second, 20*time.Millisecond).Should(BeTrue())
				Expect(k.State()).To(Equal(kernel.StateRunning))
			})
		})
	})

	Describe("shutdown", func() {
		It("should leave a final snapshot marked stopped", func() {
			start()
			Eventually(func() error {
				_, err := kernel.ReadSnapshot(cfg)
				return err
			}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

			Expect(k.Stop()).To(Succeed())
			k = nil

			st, err := kernel.ReadSnapshot(cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.State).To(Equal(kernel.StateStopped))
		})
	})
})
