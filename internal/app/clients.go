package app

import (
	"fmt"
	"os"
	"strings"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/apiforge/apiforge-backend/internal/platform/ai"
	"github.com/apiforge/apiforge-backend/internal/platform/gcs"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
	"github.com/apiforge/apiforge-backend/internal/platform/sandbox"
	"github.com/apiforge/apiforge-backend/internal/realtime/bus"
	"github.com/apiforge/apiforge-backend/internal/temporalx"
)

type Clients struct {
	AI       ai.Client
	Sandbox  sandbox.Client
	Archive  gcs.ArchiveStore
	SSEBus   bus.Bus
	Temporal temporalsdkclient.Client
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	// Redis bus (optional; single-replica deployments run without it)
	var sseBus bus.Bus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		b, err := bus.NewRedisBus(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis SSE bus: %w", err)
		}
		sseBus = b
	}

	aiClient, err := ai.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init completion client: %w", err)
	}

	sandboxClient, err := sandbox.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init sandbox client: %w", err)
	}

	archive, err := gcs.NewArchiveStore(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init archive store: %w", err)
	}

	// Temporal (nil when TEMPORAL_ADDRESS is unset; the API still serves
	// reads but Enqueue refuses new generation work)
	tc, err := temporalx.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init temporal client: %w", err)
	}

	return Clients{
		AI:       aiClient,
		Sandbox:  sandboxClient,
		Archive:  archive,
		SSEBus:   sseBus,
		Temporal: tc,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.SSEBus != nil {
		_ = c.SSEBus.Close()
	}
}
