package workers

import (
	"context"

	"github.com/meridianpay/gateway/internal/storage"
)

// ArchivalWorker adapts storage.ArchivalService to the Worker interface so
// it can run alongside the rest of the background loops under one
// Supervisor instead of being started separately by the caller.
type ArchivalWorker struct {
	svc *storage.ArchivalService
}

// NewArchivalWorker wraps an already-configured ArchivalService.
func NewArchivalWorker(svc *storage.ArchivalService) *ArchivalWorker {
	return &ArchivalWorker{svc: svc}
}

// Start begins the archival service's background loop. ArchivalService
// manages its own internal context, so the ctx argument here only gates
// whether Start happens at all.
func (w *ArchivalWorker) Start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.svc.Start()
}

// Stop gracefully stops the archival service.
func (w *ArchivalWorker) Stop() {
	w.svc.Stop()
}
