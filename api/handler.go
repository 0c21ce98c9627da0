package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

const (
	statusKey         = "status"
	defaultEpochLimit = 20
	maxEpochLimit     = 1000
)

type StatusProvider interface {
	Current() entities.Epoch
	LastSealed() *entities.SealRecord
}

type ProofCounter interface {
	ProofCount() int
}

type HealthProvider interface {
	LastError() error
}

type SealIndex interface {
	ListSealRecords(limit int) ([]entities.SealRecord, error)
}

type SealReader interface {
	Existing(ctx context.Context, epochID uint32) (*entities.EpochSeal, error)
}

type StatusResponse struct {
	CurrentEpoch string               `json:"currentEpoch"`
	EpochName    string               `json:"epochName"`
	EpochStatus  string               `json:"epochStatus"`
	StartTime    int64                `json:"startTime"`
	EndTime      int64                `json:"endTime"`
	EpochProofs  int                  `json:"epochProofs"`
	LastSealed   *entities.SealRecord `json:"lastSealed,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type EpochsResponse struct {
	Epochs []entities.SealRecord `json:"epochs"`
}

type Handler struct {
	status      StatusProvider
	proofs      ProofCounter
	health      HealthProvider
	index       SealIndex
	seals       SealReader
	statusCache *ttlcache.Cache[string, *StatusResponse]
	statusLock  sync.Mutex
}

func NewHandler(status StatusProvider, proofs ProofCounter, health HealthProvider, index SealIndex, seals SealReader, statusTTL time.Duration) *Handler {
	return &Handler{
		status:      status,
		proofs:      proofs,
		health:      health,
		index:       index,
		seals:       seals,
		statusCache: ttlcache.New[string, *StatusResponse](ttlcache.WithTTL[string, *StatusResponse](statusTTL)),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("GET /v1/status", h.GetStatus)
	mux.HandleFunc("GET /v1/epochs", h.GetEpochs)
	mux.HandleFunc("GET /v1/epochs/{id}", h.GetEpoch)
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{Status: "UP"}
	code := http.StatusOK
	if err := h.health.LastError(); err != nil {
		response = HealthResponse{Status: "DOWN", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cachedStatus())
}

func (h *Handler) cachedStatus() *StatusResponse {
	h.statusLock.Lock() // lock so that we do not get multiple threads inside the `if`
	defer h.statusLock.Unlock()

	item := h.statusCache.Get(statusKey)
	if item != nil {
		return item.Value()
	}
	current := h.status.Current()
	response := &StatusResponse{
		CurrentEpoch: current.Key(),
		EpochName:    current.Name,
		EpochStatus:  string(current.Status),
		StartTime:    current.StartTime.Unix(),
		EndTime:      current.EndTime.Unix(),
		EpochProofs:  h.proofs.ProofCount(),
		LastSealed:   h.status.LastSealed(),
	}
	h.statusCache.Set(statusKey, response, ttlcache.DefaultTTL)
	return response
}

func (h *Handler) GetEpochs(w http.ResponseWriter, r *http.Request) {
	limit := defaultEpochLimit
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 || parsed > maxEpochLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.index.ListSealRecords(limit)
	if err != nil {
		log.Printf("Error listing sealed epochs: %v", err)
		http.Error(w, "Error listing sealed epochs", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []entities.SealRecord{}
	}
	writeJSON(w, http.StatusOK, EpochsResponse{Epochs: records})
}

func (h *Handler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, err := parseEpochID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid epoch id", http.StatusBadRequest)
		return
	}

	seal, err := h.seals.Existing(r.Context(), epochID)
	if errors.Is(err, entities.ErrNotFound) {
		http.Error(w, "epoch not sealed", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error reading seal of epoch [%d]: %v", epochID, err)
		http.Error(w, "Error reading seal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, seal)
}

// parseEpochID accepts both "epoch-0007" and "7".
func parseEpochID(value string) (uint32, error) {
	if strings.HasPrefix(value, "epoch-") {
		return entities.ParseEpochKey(value)
	}
	id, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing epoch id [%s]", value)
	}
	return uint32(id), nil
}

func writeJSON(w http.ResponseWriter, code int, value any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
