package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
)

// Keeper reports this pod's live connections to the cluster registry on a
// fixed beat, keeping heartbeat scores fresh and record TTLs sliding.
type Keeper struct {
	hub      hub.Hubber
	reg      Registrar
	podID    string
	interval time.Duration
	logger   *slog.Logger

	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewKeeper(h hub.Hubber, reg Registrar, podID string, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{
		hub:      h,
		reg:      reg,
		podID:    podID,
		interval: interval,
		logger:   logger,
		doneCh:   make(chan struct{}),
	}
}

func (k *Keeper) Start() {
	go k.loop()
}

func (k *Keeper) loop() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.doneCh:
			return
		case <-ticker.C:
			k.beat()
		}
	}
}

func (k *Keeper) beat() {
	ids := k.hub.ConnectionIDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.reg.Heartbeat(ctx, k.podID, ids); err != nil {
		k.logger.Error("HEARTBEAT_REPORT_FAILED",
			"pod_id", k.podID,
			"connections", len(ids),
			"error", err,
		)
	}
}

func (k *Keeper) Stop() {
	k.stopOnce.Do(func() { close(k.doneCh) })
}
