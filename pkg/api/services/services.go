package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/config"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/api/services/iam"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/artifacts"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/kv"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/notify"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/registry"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/results"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/runs"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
)

type Services struct {
	IAM  *iam.IAMService
	Runs *runs.Manager
	Hub  *notify.Hub

	db    *bun.DB
	cache kv.Store
	nats  *notify.NATSPublisher
}

// NewServices connects every backing service named by cfg. Optional
// backends (Valkey, S3, NATS) fall back to in-process implementations when
// unset.
func NewServices(ctx context.Context, cfg *config.EnvConfig, logger *plog.Logger) (*Services, error) {
	s := &Services{IAM: iam.NewIAMService(cfg.AuthSecret, logger), Hub: notify.NewHub(logger)}
	ok := false
	defer func() {
		if !ok {
			s.Close(0)
		}
	}()

	database, err := db.New(ctx, DBConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = database
	if cfg.DBDriver == db.DriverSQLite {
		if _, err := db.Migrate(ctx, database); err != nil {
			return nil, err
		}
	}
	store := db.NewStore(database)

	if cfg.ValkeyAddr != "" {
		s.cache, err = kv.NewValkeyStore(ctx, kv.ValkeyConfig{
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Prefix:   "plantit:",
		})
		if err != nil {
			return nil, err
		}
	} else {
		s.cache = kv.NewMemoryStore()
	}

	var archive artifacts.Store = artifacts.NewMemoryStore()
	if cfg.S3Endpoint != "" {
		s3, err := artifacts.NewS3Store(artifacts.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		archive = s3
	}

	publishers := notify.Fanout{s.Hub}
	if cfg.NATSURL != "" {
		s.nats, err = notify.ConnectNATS(notify.NATSConfig{URL: cfg.NATSURL, Name: "plantit"})
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, s.nats)
	}
	bridge := notify.NewBridge(store, publishers, notify.WithLogDir(cfg.LogDir), notify.WithLogger(logger))

	composer, err := script.New(script.Config{
		SandboxTemplatePath:   cfg.SandboxTemplate,
		SchedulerTemplatePath: cfg.SchedulerTemplate,
		DockerUsername:        cfg.DockerUsername,
		DockerPassword:        cfg.DockerPassword,
	})
	if err != nil {
		return nil, err
	}

	dialer, err := NewDialer(cfg, logger, composer.Secrets()...)
	if err != nil {
		return nil, err
	}

	tokens, err := runs.NewTokens(cfg.RunTokenSecret())
	if err != nil {
		return nil, err
	}

	opts := []runs.Option{
		runs.WithLogger(logger),
		runs.WithCallbackURL(cfg.BaseURL),
		runs.WithRetention(cfg.Retention()),
		runs.WithPollInterval(cfg.PollInterval, cfg.MaxPollDelay),
	}
	checker, err := ImageChecker(cfg, logger)
	if err != nil {
		return nil, err
	}
	if checker != nil {
		opts = append(opts, runs.WithImageChecker(checker))
	}

	collector := results.New(s.cache, archive, results.WithLogger(logger))
	s.Runs = runs.New(store, bridge, dialer, composer, collector, tokens, opts...)
	ok = true
	return s, nil
}

func DBConfig(cfg *config.EnvConfig) db.Config {
	return db.Config{
		Driver:   cfg.DBDriver,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		Path:     cfg.DBPath,
	}
}

// NewDialer builds the SSH dialer: a key file whose passphrase (if any) is
// in the OS keyring, or a keyring password per agent.
func NewDialer(cfg *config.EnvConfig, logger *plog.Logger, secrets ...string) (*remote.Dialer, error) {
	opts := []remote.DialerOption{remote.WithLogger(logger), remote.WithSecrets(secrets...)}
	if cfg.SSHKnownHosts != "" {
		opts = append(opts, remote.WithKnownHosts(cfg.SSHKnownHosts))
	}
	return remote.NewDialer(remote.KeyringAuth{KeyFile: cfg.SSHKeyFile}, opts...)
}

// ImageChecker returns the registry lookup selected by IMAGE_CHECK, or nil
// when checks are disabled.
func ImageChecker(cfg *config.EnvConfig, logger *plog.Logger) (flow.ImageChecker, error) {
	switch cfg.ImageCheck {
	case "daemon":
		return registry.NewDaemon(cfg.DockerUsername, cfg.DockerPassword)
	case "none":
		return nil, nil
	}
	return registry.NewHub(registry.WithLogger(logger)), nil
}

// Close stops the run manager and releases every connection.
func (s *Services) Close(timeout time.Duration) error {
	var errs []error
	if s.Runs != nil {
		errs = append(errs, s.Runs.Close(timeout))
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
