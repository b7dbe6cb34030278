package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "pipeline-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when the config file has full content", func() {
			BeforeEach(func() {
				full := `
environment: production
log_level: warn

server:
  metrics_port: "9100"
  health_port: "8081"

database:
  dsn: "postgres://pipeline@localhost/rssnews"
  max_open_conns: 40

redis:
  url: "redis://localhost:6379/0"

planner:
  target_size: 250
  min_size: 120
  max_size: 400
  diversity_factor: 0.25

backpressure:
  error_rate_weight: 3.5
`
				Expect(os.WriteFile(configFile, []byte(full), 0644)).To(Succeed())
			})

			It("loads every section", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Environment).To(Equal("production"))
				Expect(cfg.LogLevel).To(Equal("warn"))
				Expect(cfg.Server.MetricsPort).To(Equal("9100"))
				Expect(cfg.Server.HealthPort).To(Equal("8081"))
				Expect(cfg.Database.DSN).To(Equal("postgres://pipeline@localhost/rssnews"))
				Expect(cfg.Database.MaxOpenConns).To(Equal(40))
				Expect(cfg.Redis.URL).To(Equal("redis://localhost:6379/0"))
				Expect(cfg.Planner.TargetSize).To(Equal(250))
				Expect(cfg.Planner.MinSize).To(Equal(120))
				Expect(cfg.Planner.MaxSize).To(Equal(400))
				Expect(cfg.Planner.DiversityFactor).To(Equal(0.25))
				Expect(cfg.Backpressure.ErrorRateWeight).To(Equal(3.5))
			})
		})

		Context("when the config file is minimal", func() {
			BeforeEach(func() {
				minimal := `
database:
  dsn: "postgres://pipeline@localhost/rssnews"
`
				Expect(os.WriteFile(configFile, []byte(minimal), 0644)).To(Succeed())
			})

			It("fills in documented defaults", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Environment).To(Equal("development"))
				Expect(cfg.Planner.TargetSize).To(Equal(200))
				Expect(cfg.Planner.MinSize).To(Equal(100))
				Expect(cfg.Planner.MaxSize).To(Equal(300))
				Expect(cfg.Planner.DiversityFactor).To(Equal(0.2))
				Expect(cfg.Pipeline.MaxArticleAgeHours).To(Equal(168.0))
				Expect(cfg.Pipeline.MinHealthScore).To(Equal(50))
				Expect(cfg.Pipeline.ChunkingTargetSize).To(Equal(400))
				Expect(cfg.Breaker.FailureThreshold).To(Equal(5))
				Expect(cfg.Breaker.Timeout).To(Equal(60 * time.Second))
				Expect(cfg.Backpressure.ErrorRateWeight).To(Equal(2.0))
				Expect(cfg.Scheduler.EmergencyQueueDepth).To(Equal(1000))
				Expect(cfg.Database.SynchronousCommitOff).To(BeFalse())
			})
		})

		Context("when the file does not exist", func() {
			It("returns an error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Default", func() {
		It("returns a fully defaulted config with no file", func() {
			cfg := Default()
			Expect(cfg.Planner.TargetSize).To(Equal(200))
			Expect(cfg.Pipeline.SupportedLanguages).To(ContainElement("en"))
		})
	})
})
