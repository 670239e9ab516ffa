package dashboard

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/manwonyori/gitsyncd/internal/model"
	"github.com/manwonyori/gitsyncd/internal/remote"
)

// BatchFlushedData describes a batch handed to the orchestrator.
type BatchFlushedData struct {
	BatchID string            `json:"batch_id"`
	Paths   int               `json:"paths"`
	Sources []model.Source    `json:"sources"`
	Reason  model.FlushReason `json:"reason"`
	AgeMS   int64             `json:"age_ms"`
}

// Handler formats daemon events as dashboard messages. Its methods match
// the observer hooks of the aggregator, orchestrator and remote adapter.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
		logger: server.logger,
	}
}

// OnBatchFlushed handles aggregator flushes.
func (h *Handler) OnBatchFlushed(b *model.SyncBatch) {
	h.send(MessageTypeBatchFlushed, BatchFlushedData{
		BatchID: b.ID.String(),
		Paths:   b.Len(),
		Sources: b.SourceList(),
		Reason:  b.Reason,
		AgeMS:   b.FlushedAt.Sub(b.OpenedAt).Milliseconds(),
	})
}

// OnSyncResult handles finished cycles.
func (h *Handler) OnSyncResult(res model.SyncResult) {
	h.server.lastResult.Store(&res)
	h.send(MessageTypeSyncResult, res)
}

// OnRemoteStatus handles remote connection changes.
func (h *Handler) OnRemoteStatus(st remote.Status) {
	up := st.Connected
	h.server.remoteUp.Store(&up)
	h.send(MessageTypeRemoteStatus, st)
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal dashboard data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      raw,
	})
}
