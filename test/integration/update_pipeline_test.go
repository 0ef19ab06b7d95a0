//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/luxkernel/internal/domain"
	"github.com/eliteGoblin/luxkernel/internal/infra"
	"github.com/eliteGoblin/luxkernel/internal/update"
)

// failingInstall wraps a real artifact store and refuses one version.
type failingInstall struct {
	*infra.FileArtifactStore
	version string
}

func (f failingInstall) Install(desc domain.UpdateDescriptor) error {
	if desc.Version == f.version {
		return errors.New("simulated install failure")
	}
	return f.FileArtifactStore.Install(desc)
}

var _ = Describe("Passive update pipeline", func() {
	var (
		tmpDir    string
		store     domain.VersionStore
		artifacts *infra.FileArtifactStore
		opts      update.Options
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "luxkernel-updates-*")
		Expect(err).NotTo(HaveOccurred())

		store, err = infra.OpenVersionStore(infra.StoreSQLCipher, tmpDir)
		Expect(err).NotTo(HaveOccurred())
		artifacts = infra.NewFileArtifactStore(filepath.Join(tmpDir, "modules"), filepath.Join(tmpDir, "backups"), zap.NewNop())
		opts = update.Options{
			UpdatesDir:      filepath.Join(tmpDir, "updates"),
			FailedDir:       filepath.Join(tmpDir, "updates", "failed"),
			BackupEnabled:   true,
			RollbackEnabled: true,
		}
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	stage := func(module, version, content string) {
		desc, err := update.NewDescriptor(module, version, map[string]string{"module.cfg": content})
		Expect(err).NotTo(HaveOccurred())
		_, err = update.WriteDescriptor(opts.UpdatesDir, desc)
		Expect(err).NotTo(HaveOccurred())
	}

	liveContent := func(module string) string {
		data, err := os.ReadFile(filepath.Join(artifacts.ModuleDir(module), "module.cfg"))
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	Context("with an encrypted version store", func() {
		It("should persist versions across managers", func() {
			mgr := update.New(opts, store, nil, artifacts, nil, nil, zap.NewNop())
			stage("function_cache", "1.0.0", "v1")
			stage("event_bus", "2.0.0", "bus")

			results := mgr.CheckUpdates(context.Background())
			Expect(results).To(HaveLen(2))
			for _, r := range results {
				Expect(r.Success).To(BeTrue(), r.Error)
			}

			reopened := update.New(opts, store, nil, artifacts, nil, nil, zap.NewNop())
			Expect(reopened.GetVersionInfo("function_cache").Active).To(Equal("1.0.0"))
			Expect(reopened.GetVersionInfo("event_bus").Active).To(Equal("2.0.0"))
			Expect(reopened.IsHealthy()).To(BeTrue())
		})
	})

	Context("when an install fails", func() {
		It("should restore the previous files and version", func() {
			mgr := update.New(opts, store, nil, failingInstall{artifacts, "1.1.0"}, nil, nil, zap.NewNop())
			stage("function_cache", "1.0.0", "v1")
			Expect(mgr.CheckUpdates(context.Background())[0].Success).To(BeTrue())
			Expect(liveContent("function_cache")).To(Equal("v1"))

			stage("function_cache", "1.1.0", "v2")
			res := mgr.CheckUpdates(context.Background())[0]
			Expect(res.Success).To(BeFalse())
			Expect(res.Stage).To(Equal(update.StageApply))
			Expect(res.RolledBack).To(BeTrue())

			Expect(mgr.GetVersionInfo("function_cache").Active).To(Equal("1.0.0"))
			Expect(liveContent("function_cache")).To(Equal("v1"))

			failed, err := filepath.Glob(filepath.Join(opts.FailedDir, "*"))
			Expect(err).NotTo(HaveOccurred())
			Expect(failed).To(HaveLen(1))
		})
	})

	Context("when an operator rolls back", func() {
		It("should reactivate the fallback and its files", func() {
			mgr := update.New(opts, store, nil, artifacts, nil, nil, zap.NewNop())
			stage("event_bus", "1.0.0", "one")
			mgr.CheckUpdates(context.Background())
			stage("event_bus", "1.1.0", "two")
			mgr.CheckUpdates(context.Background())
			Expect(liveContent("event_bus")).To(Equal("two"))

			Expect(mgr.Rollback("event_bus")).To(Succeed())
			Expect(mgr.RestoreArtifacts("event_bus")).To(Succeed())

			Expect(mgr.GetVersionInfo("event_bus")).To(Equal(domain.VersionInfo{
				Active: "1.0.0", Fallback: "1.0.0", NextStable: "1.1.0",
			}))
			Expect(liveContent("event_bus")).To(Equal("one"))
		})
	})
})
