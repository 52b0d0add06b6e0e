package config_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/watchstate/syncengine/config"
)

var _ = Describe("Load", func() {
	var envKeys = []string{
		"STORE_PATH", "LISTEN_ADDR", "SHUTDOWN_TIMEOUT", "IMPORT_INTERVAL",
		"EXPORT_INTERVAL", "IMPORT_RUN_DEADLINE", "EXPORT_RUN_DEADLINE",
		"CORS_ORIGINS", "API_KEY_HASH",
	}
	var saved map[string]string

	BeforeEach(func() {
		saved = make(map[string]string, len(envKeys))
		for _, k := range envKeys {
			saved[k] = os.Getenv(k)
			Expect(os.Unsetenv(k)).To(Succeed())
		}
	})

	AfterEach(func() {
		for k, v := range saved {
			if v == "" {
				Expect(os.Unsetenv(k)).To(Succeed())
			} else {
				Expect(os.Setenv(k, v)).To(Succeed())
			}
		}
	})

	It("returns defaults when no env vars are set", func() {
		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.StorePath).To(Equal("./watchstate.db"))
		Expect(cfg.ListenAddr).To(Equal(":8089"))
		Expect(cfg.ShutdownTimeout).To(Equal(15 * time.Second))
		Expect(cfg.ImportInterval).To(Equal(6 * time.Hour))
		Expect(cfg.ExportInterval).To(Equal(6 * time.Hour))
		Expect(cfg.ImportRunDeadline).To(Equal(24 * time.Hour))
		Expect(cfg.ExportRunDeadline).To(Equal(12 * time.Hour))
		Expect(cfg.CORSOrigins).To(BeEmpty())
		Expect(cfg.APIKeyHash).To(BeEmpty())
		Expect(cfg.Queue.Workers).To(Equal(10))
		Expect(cfg.Webhook.RequestsTTL).To(Equal(72 * time.Hour))
		Expect(cfg.Webhook.ProgressTTL).To(Equal(24 * time.Hour))
	})

	It("reads string and list values from env vars", func() {
		Expect(os.Setenv("STORE_PATH", "/data/watchstate.db")).To(Succeed())
		Expect(os.Setenv("LISTEN_ADDR", ":9090")).To(Succeed())
		Expect(os.Setenv("CORS_ORIGINS", "https://a.example.com,https://b.example.com")).To(Succeed())
		Expect(os.Setenv("API_KEY_HASH", "$2a$10$abcdefghijklmnopqrstuv")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.StorePath).To(Equal("/data/watchstate.db"))
		Expect(cfg.ListenAddr).To(Equal(":9090"))
		Expect(cfg.CORSOrigins).To(Equal([]string{"https://a.example.com", "https://b.example.com"}))
		Expect(cfg.APIKeyHash).To(Equal("$2a$10$abcdefghijklmnopqrstuv"))
	})

	It("reads duration values from env vars", func() {
		Expect(os.Setenv("IMPORT_INTERVAL", "1h")).To(Succeed())
		Expect(os.Setenv("EXPORT_RUN_DEADLINE", "30m")).To(Succeed())

		cfg, err := config.Load()
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.ImportInterval).To(Equal(time.Hour))
		Expect(cfg.ExportRunDeadline).To(Equal(30 * time.Minute))
	})

	It("returns an error for an invalid duration", func() {
		Expect(os.Setenv("IMPORT_INTERVAL", "not-a-duration")).To(Succeed())

		_, err := config.Load()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("LoadBackend", func() {
	var envKeys = []string{
		"WS_BACKEND_HOME_PLEX_NAME", "WS_BACKEND_HOME_PLEX_KIND", "WS_BACKEND_HOME_PLEX_URL",
		"WS_BACKEND_HOME_PLEX_TOKEN", "WS_BACKEND_HOME_PLEX_IMPORT_ENABLED",
		"WS_BACKEND_HOME_PLEX_IMPORT_METADATA_ONLY",
	}
	var saved map[string]string

	BeforeEach(func() {
		saved = make(map[string]string, len(envKeys))
		for _, k := range envKeys {
			saved[k] = os.Getenv(k)
			Expect(os.Unsetenv(k)).To(Succeed())
		}
	})

	AfterEach(func() {
		for k, v := range saved {
			if v == "" {
				Expect(os.Unsetenv(k)).To(Succeed())
			} else {
				Expect(os.Setenv(k, v)).To(Succeed())
			}
		}
	})

	It("loads a prefixed backend config with its own defaults", func() {
		Expect(os.Setenv("WS_BACKEND_HOME_PLEX_KIND", "plex")).To(Succeed())
		Expect(os.Setenv("WS_BACKEND_HOME_PLEX_URL", "http://plex.local:32400")).To(Succeed())
		Expect(os.Setenv("WS_BACKEND_HOME_PLEX_TOKEN", "tok123")).To(Succeed())

		bc, err := config.LoadBackend("WS_BACKEND_HOME_PLEX_")
		Expect(err).NotTo(HaveOccurred())

		Expect(bc.Kind).To(Equal("plex"))
		Expect(bc.BaseURL).To(Equal("http://plex.local:32400"))
		Expect(bc.Token).To(Equal("tok123"))
		Expect(bc.ImportEnabled).To(BeTrue())
		Expect(bc.ExportEnabled).To(BeTrue())
		Expect(bc.MetadataOnly).To(BeFalse())
	})

	It("reads the metadata-only override", func() {
		Expect(os.Setenv("WS_BACKEND_HOME_PLEX_KIND", "jellyfin")).To(Succeed())
		Expect(os.Setenv("WS_BACKEND_HOME_PLEX_IMPORT_METADATA_ONLY", "true")).To(Succeed())

		bc, err := config.LoadBackend("WS_BACKEND_HOME_PLEX_")
		Expect(err).NotTo(HaveOccurred())
		Expect(bc.MetadataOnly).To(BeTrue())
	})
})
