package health

import (
	"encoding/json"
	"net/http"
)

type Api struct {
	statusService *Service
}

func NewApi(statusService *Service) *Api {
	return &Api{
		statusService: statusService,
	}
}

func (api *Api) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", api.GetHealth)
}

func (api *Api) GetHealth(w http.ResponseWriter, r *http.Request) {
	if api.statusService.IsShuttingDown() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "shutting down",
		})
		return
	}

	status := api.statusService.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"connectivity": status.Connectivity,
		"message":      status.Message,
		"updatedAt":    status.UpdatedAt,
	})
}
