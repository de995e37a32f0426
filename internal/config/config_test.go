package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "cadforge_db", cfg.Database.Database)
				assert.Equal(t, "cad_jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "cad_jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "cad_progress", cfg.Progress.Exchange)
				assert.Equal(t, "/var/lib/cadforge/storage", cfg.Storage.Root)
				assert.Equal(t, "freecadcmd", cfg.Worker.CADCommand)
				assert.Equal(t, time.Hour, cfg.Worker.JobTimeout)
				assert.True(t, cfg.Worker.JSONFatal())
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, time.Hour, cfg.Worker.JobTimeout)
	assert.Equal(t, time.Hour, cfg.Worker.ConvertTimeout)
	assert.Equal(t, 5*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, "freecadcmd", cfg.Worker.CADCommand)
	assert.Equal(t, 12*time.Hour, cfg.Worker.ResultTTL)
	assert.Equal(t, 12*time.Hour, cfg.Worker.FailureTTL)
	assert.Equal(t, 5*time.Second, cfg.Progress.ReconnectInterval)
	assert.Equal(t, "cad_progress", cfg.Progress.Exchange)
	assert.Equal(t, ".py", cfg.Storage.ScriptExtension)

	// Omitted toggle means the fatal policy stays on
	assert.Nil(t, cfg.Worker.JSONFailureFatal)
	assert.True(t, cfg.Worker.JSONFatal())
}

func validBase() *Config {
	fatal := true
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "cadforge_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "cad_jobs_exchange",
			},
			Queue: QueueConfig{
				Name: "cad_jobs_queue",
			},
		},
		Progress: ProgressConfig{
			Host: "localhost",
			Port: 5672,
		},
		Storage: StorageConfig{
			Root:    "/var/lib/cadforge/storage",
			BaseURL: "http://localhost:8080",
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			JobTimeout:        time.Hour,
			HeartbeatInterval: 5 * time.Second,
			CADCommand:        "freecadcmd",
			JSONFailureFatal:  &fatal,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty rabbitmq exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty progress broker host",
			mutate:    func(c *Config) { c.Progress.Host = "" },
			wantErr:   true,
			errString: "progress broker host is required",
		},
		{
			name:      "empty storage root",
			mutate:    func(c *Config) { c.Storage.Root = "" },
			wantErr:   true,
			errString: "storage root is required",
		},
		{
			name:      "empty base url",
			mutate:    func(c *Config) { c.Storage.BaseURL = "" },
			wantErr:   true,
			errString: "storage base_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "zero heartbeat interval",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 0 },
			wantErr:   true,
			errString: "worker heartbeat_interval must be greater than 0",
		},
		{
			name:      "empty cad command",
			mutate:    func(c *Config) { c.Worker.CADCommand = "" },
			wantErr:   true,
			errString: "worker cad_command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
