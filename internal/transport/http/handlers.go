// Package httptransport is the thin HTTP layer over the control plane. It
// delegates to the owning components and keeps all JSON marshaling here so
// the core never serializes itself.
package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mirage/internal/defense"
	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/score"
	"mirage/internal/shuffle"
	"mirage/pkg/platform/sentinel"
)

// Handler wires control-plane endpoints to the components.
type Handler struct {
	scores     *score.Manager
	domains    *domains.Manager
	shuffler   *shuffle.Controller
	detector   *detect.LocalDetector
	crossAgent *detect.CrossAgentDetector
	classifier *detect.GlobalDetector
	executor   *defense.Executor
	logger     *slog.Logger
}

// New constructs the handler with its dependencies.
func New(
	sm *score.Manager,
	dm *domains.Manager,
	sc *shuffle.Controller,
	ld *detect.LocalDetector,
	ca *detect.CrossAgentDetector,
	gd *detect.GlobalDetector,
	ex *defense.Executor,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		scores:     sm,
		domains:    dm,
		shuffler:   sc,
		detector:   ld,
		crossAgent: ca,
		classifier: gd,
		executor:   ex,
		logger:     logger,
	}
}

// Register mounts the control-plane endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/state", h.handleState)

	r.Get("/domains", h.handleListDomains)
	r.Post("/domains", h.handleCreateDomain)
	r.Get("/domains/{id}", h.handleGetDomain)
	r.Delete("/domains/{id}", h.handleDeleteDomain)
	r.Post("/domains/{id}/users", h.handleAddUser)
	r.Post("/domains/{id}/proxies", h.handleAddProxy)
	r.Post("/domains/{id}/split", h.handleSplitDomain)
	r.Post("/domains/merge", h.handleMergeDomains)
	r.Post("/domains/rebalance", h.handleRebalance)

	r.Post("/agents/{id}/stats", h.handleAgentStats)
	r.Get("/agents/{id}/observation", h.handleAgentObservation)

	r.Get("/detection/distribution", h.handleDistribution)
	r.Get("/detection/outliers", h.handleOutliers)
	r.Get("/detection/anomalies", h.handleAnomalies)

	r.Post("/classifier/dataset", h.handleLoadDataset)
	r.Post("/classifier/train", h.handleTrain)
	r.Post("/classifier/predict", h.handlePredict)
	r.Get("/classifier/report", h.handleClassificationReport)

	r.Get("/scores/{userId}", h.handleGetScore)
	r.Post("/scores/{userId}/feedback", h.handleFeedback)

	r.Post("/shuffle/trigger", h.handleTriggerShuffle)
	r.Get("/shuffle/stats", h.handleShuffleStats)

	r.Post("/decisions", h.handleDecision)
	r.Get("/decisions", h.handleDecisionHistory)
	r.Get("/decisions/stats", h.handleDecisionStats)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.executor.Snapshot())
}

type domainResponse struct {
	ID               uint32   `json:"id"`
	Name             string   `json:"name"`
	Users            []uint32 `json:"users"`
	Proxies          []uint32 `json:"proxies"`
	LoadFactor       float64  `json:"loadFactor"`
	ShuffleFrequency float64  `json:"shuffleFrequencySeconds"`
}

func toDomainResponse(d domains.Domain) domainResponse {
	return domainResponse{
		ID:               d.ID,
		Name:             d.Name,
		Users:            d.Users,
		Proxies:          d.Proxies,
		LoadFactor:       d.LoadFactor,
		ShuffleFrequency: d.ShuffleFrequency.Seconds(),
	}
}

func (h *Handler) handleListDomains(w http.ResponseWriter, r *http.Request) {
	table := h.domains.Domains()
	out := make([]domainResponse, 0, len(table))
	for _, id := range h.domains.DomainIDs() {
		out = append(out, toDomainResponse(table[id]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	id := h.domains.CreateDomain(req.Name)
	writeJSON(w, http.StatusCreated, map[string]uint32{"id": id})
}

func (h *Handler) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, found := h.domains.Domain(id)
	if !found {
		writeRefusal(w, sentinel.ErrNotFound, "domain not found")
		return
	}
	writeJSON(w, http.StatusOK, toDomainResponse(d))
}

func (h *Handler) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if !h.domains.DeleteDomain(id) {
		writeRefusal(w, sentinel.ErrConflict, "domain cannot be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint32 `json:"userId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !h.domains.AddUser(id, req.UserID) {
		writeRefusal(w, sentinel.ErrNotFound, "domain not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ProxyID uint32 `json:"proxyId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !h.domains.AddProxy(id, req.ProxyID) {
		writeRefusal(w, sentinel.ErrNotFound, "domain not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSplitDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	newID := h.domains.SplitDomain(id)
	if newID == 0 {
		writeRefusal(w, sentinel.ErrConflict, "domain cannot be split")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"newDomainId": newID})
}

func (h *Handler) handleMergeDomains(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DomainID       uint32 `json:"domainId"`
		MergedDomainID uint32 `json:"mergedDomainId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if h.domains.MergeDomain(req.DomainID, req.MergedDomainID) == 0 {
		writeRefusal(w, sentinel.ErrConflict, "domains cannot be merged")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"domainId": req.DomainID})
}

func (h *Handler) handleRebalance(w http.ResponseWriter, r *http.Request) {
	ops := h.domains.AutoRebalance()
	writeJSON(w, http.StatusOK, map[string]int{"operations": ops})
}

type agentStatsRequest struct {
	PacketsIn         uint64  `json:"packetsIn"`
	PacketsOut        uint64  `json:"packetsOut"`
	BytesIn           uint64  `json:"bytesIn"`
	BytesOut          uint64  `json:"bytesOut"`
	PacketRate        float64 `json:"packetRate"`
	ByteRate          float64 `json:"byteRate"`
	ActiveConnections uint32  `json:"activeConnections"`
	AvgLatency        float64 `json:"avgLatency"`
}

// handleAgentStats is the traffic-counter ingest point: external agents push
// their counters here instead of the core reading packets.
func (h *Handler) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req agentStatsRequest
	if !decode(w, r, &req) {
		return
	}
	h.detector.UpdateStats(id, detect.TrafficStats{
		PacketsIn:         req.PacketsIn,
		PacketsOut:        req.PacketsOut,
		BytesIn:           req.BytesIn,
		BytesOut:          req.BytesOut,
		PacketRate:        req.PacketRate,
		ByteRate:          req.ByteRate,
		ActiveConnections: req.ActiveConnections,
		AvgLatency:        req.AvgLatency,
	})
	h.crossAgent.AddAgent(id, h.detector)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleDistribution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.crossAgent.Distribution())
}

func (h *Handler) handleOutliers(w http.ResponseWriter, r *http.Request) {
	threshold := detect.DefaultOutlierThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = v
	}
	outliers := h.crossAgent.IdentifyOutliers(threshold)
	if outliers == nil {
		outliers = []uint32{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outliers": outliers})
}

func (h *Handler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	report := h.crossAgent.AnomalyReport()
	out := make([]map[string]any, 0, len(report))
	for _, obs := range report {
		out = append(out, map[string]any{
			"patternAnomaly": obs.PatternAnomaly,
			"suspectedType":  obs.SuspectedType,
			"confidence":     obs.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLoadDataset(w http.ResponseWriter, r *http.Request) {
	if !h.classifier.LoadDataset(r.Body) {
		writeError(w, http.StatusBadRequest, "no usable rows in dataset")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleTrain(w http.ResponseWriter, r *http.Request) {
	if !h.classifier.Train() {
		writeRefusal(w, sentinel.ErrInvalidState, "no training data loaded")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateAnomaly       float64 `json:"rateAnomaly"`
		ConnectionAnomaly float64 `json:"connectionAnomaly"`
		PatternAnomaly    float64 `json:"patternAnomaly"`
		PersistenceFactor float64 `json:"persistenceFactor"`
		Confidence        float64 `json:"confidence"`
	}
	if !decode(w, r, &req) {
		return
	}
	attackType, confidence := h.classifier.Predict(detect.Observation{
		RateAnomaly:       req.RateAnomaly,
		ConnectionAnomaly: req.ConnectionAnomaly,
		PatternAnomaly:    req.PatternAnomaly,
		PersistenceFactor: req.PersistenceFactor,
		Confidence:        req.Confidence,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"type":       attackType,
		"confidence": confidence,
	})
}

func (h *Handler) handleClassificationReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.classifier.ClassificationReport())
}

func (h *Handler) handleAgentObservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	obs := h.detector.Analyze(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"rateAnomaly":       obs.RateAnomaly,
		"connectionAnomaly": obs.ConnectionAnomaly,
		"patternAnomaly":    obs.PatternAnomaly,
		"persistenceFactor": obs.PersistenceFactor,
		"suspectedType":     obs.SuspectedType,
		"confidence":        obs.Confidence,
		"underAttack":       h.detector.IsUnderAttack(id),
	})
}

func (h *Handler) handleGetScore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	record := h.scores.GetUserScore(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":    record.UserID,
		"score":     record.CurrentScore,
		"riskLevel": record.RiskLevel,
	})
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	var req struct {
		Value float64 `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.scores.ApplyFeedback(id, req.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTriggerShuffle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DomainID uint32 `json:"domainId"`
		Mode     string `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	mode := shuffle.Mode(req.Mode)
	if req.Mode == "" {
		mode = shuffle.ModeScoreDriven
	}
	ev := h.shuffler.TriggerShuffle(req.DomainID, mode)
	status := http.StatusOK
	if !ev.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"success":       ev.Success,
		"usersAffected": ev.UsersAffected,
		"durationMs":    ev.Duration.Milliseconds(),
		"reason":        ev.Reason,
	})
}

func (h *Handler) handleShuffleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.shuffler.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalShuffles":      stats.TotalShuffles,
		"successfulShuffles": stats.SuccessfulShuffles,
		"failedShuffles":     stats.FailedShuffles,
		"usersReassigned":    stats.UsersReassigned,
		"lastShuffle":        stats.LastShuffle,
	})
}

type decisionRequest struct {
	Action            string  `json:"action"`
	TargetDomainID    uint32  `json:"targetDomainId"`
	TargetUserID      uint32  `json:"targetUserId"`
	TargetProxyID     uint32  `json:"targetProxyId"`
	SecondaryDomainID uint32  `json:"secondaryDomainId"`
	NewScore          float64 `json:"newScore"`
	NewFrequency      float64 `json:"newFrequencySeconds"`
	ShuffleMode       string  `json:"shuffleMode"`
	Reason            string  `json:"reason"`
}

// handleDecision is the decision-execution boundary for external policies.
func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	success := h.executor.Execute(r.Context(), defense.Decision{
		Action:            defense.Action(req.Action),
		TargetDomainID:    req.TargetDomainID,
		TargetUserID:      req.TargetUserID,
		TargetProxyID:     req.TargetProxyID,
		SecondaryDomainID: req.SecondaryDomainID,
		NewScore:          req.NewScore,
		NewFrequency:      time.Duration(req.NewFrequency * float64(time.Second)),
		ShuffleMode:       shuffle.Mode(req.ShuffleMode),
		Reason:            req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": success})
}

func (h *Handler) handleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	history := h.executor.History()
	out := make([]map[string]any, 0, len(history))
	for _, rec := range history {
		out = append(out, map[string]any{
			"timestamp": rec.Timestamp,
			"action":    rec.Decision.Action,
			"reason":    rec.Decision.Reason,
			"success":   rec.Success,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.executor.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"executed":            stats.Executed,
		"succeeded":           stats.Succeeded,
		"failed":              stats.Failed,
		"evaluations":         stats.Evaluations,
		"avgEvaluationTimeMs": stats.AvgEvaluationTime.Milliseconds(),
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint32(id), true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRefusal translates a component refusal, expressed as a sentinel
// error, into the matching HTTP status.
func writeRefusal(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, msg)
}
