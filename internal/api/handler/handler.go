package handler

import (
	"context"
	"log/slog"

	"github.com/trananhduc/cadforge/internal/api/model"
	"github.com/trananhduc/cadforge/internal/api/service"
	"github.com/trananhduc/cadforge/internal/config"
	"github.com/trananhduc/cadforge/internal/progress"
	"github.com/trananhduc/cadforge/shared/rabbitmq"
)

// JobStore is the Job Record surface the handlers need. Satisfied by
// storage.Storage.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	FindLatestJobByUser(ctx context.Context, userID string) (*model.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Storage      JobStore
	RabbitClient *rabbitmq.Client
	Progress     *progress.Manager
	Reconciler   *service.Reconciler
	StorageCfg   *config.StorageConfig
}

// CadHandler handles CAD generation HTTP requests
type CadHandler struct {
	logger       *slog.Logger
	storage      JobStore
	rabbitClient *rabbitmq.Client
	progress     *progress.Manager
	reconciler   *service.Reconciler
	storageCfg   *config.StorageConfig
}

// NewCadHandler creates a new CadHandler instance
func NewCadHandler(deps *Dependencies) *CadHandler {
	return &CadHandler{
		logger:       deps.Logger,
		storage:      deps.Storage,
		rabbitClient: deps.RabbitClient,
		progress:     deps.Progress,
		reconciler:   deps.Reconciler,
		storageCfg:   deps.StorageCfg,
	}
}

// truthy interprets form/query boolean flags the way clients actually send
// them
func truthy(raw string) bool {
	switch raw {
	case "1", "true", "True", "TRUE", "yes", "on":
		return true
	default:
		return false
	}
}
