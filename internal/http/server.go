package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysmuse/ipflow/internal/log"
	"github.com/sysmuse/ipflow/pkg/models"
	"github.com/sysmuse/ipflow/pkg/service"
	"github.com/sysmuse/ipflow/pkg/storage"
)

// NewRouter builds the REST surface of the engine.
func NewRouter(engine *service.Engine) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/workflows", listWorkflows(engine)).Methods(http.MethodGet)
	r.HandleFunc("/workflows", createWorkflow(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id:[0-9]+}", getWorkflow(engine)).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id:[0-9]+}", deleteWorkflow(engine)).Methods(http.MethodDelete)
	r.HandleFunc("/workflows/{id:[0-9]+}/cancel", cancelWorkflow(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id:[0-9]+}/execute", executeWorkflow(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id:[0-9]+}/results", listResults(engine)).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id:[0-9]+}/plan/tournament", planTournament(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id:[0-9]+}/plan/two-stage", planTwoStage(engine)).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id:[0-9]+}/plan/custom", planCustom(engine)).Methods(http.MethodPost)

	r.HandleFunc("/jobs/{id}", getJob(engine)).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/retry", retryJob(engine)).Methods(http.MethodPost)
	return r
}

// StartServer runs the HTTP API until the listener fails.
func StartServer(port string, engine *service.Engine) error {
	log.GetLogger().Infof("Starting ipflow server on :%s", port)
	return http.ListenAndServe(":"+port, NewRouter(engine))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ipflow server is running")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.GetLogger().Errorf("Request failed: %v", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func workflowID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func listWorkflows(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflows, err := engine.ListWorkflows()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

func createWorkflow(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name         string              `json:"name"`
			WorkflowType models.WorkflowType `json:"workflow_type"`
			ScopeType    string              `json:"scope_type"`
			ScopeID      string              `json:"scope_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := engine.CreateWorkflow(req.Name, req.WorkflowType, req.ScopeType, req.ScopeID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

func getWorkflow(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		detail, err := engine.GetWorkflowDetail(id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func deleteWorkflow(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := engine.DeleteWorkflow(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func cancelWorkflow(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := engine.CancelWorkflow(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.CancelledWorkflowStatus)})
	}
}

// executeWorkflow is fire-and-forget: the loop runs in the background and
// callers poll the workflow read models for progress.
func executeWorkflow(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := engine.GetWorkflow(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		engine.StartWorkflow(id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func listResults(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		results, err := engine.ListResults(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func planTournament(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var cfg models.TournamentConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ids, err := engine.PlanTournament(r.Context(), id, cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"job_ids": ids})
	}
}

func planTwoStage(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var cfg models.TwoStageConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ids, err := engine.PlanTwoStage(r.Context(), id, cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"job_ids": ids})
	}
}

func planCustom(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := workflowID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req struct {
			Jobs []models.JobSpec `json:"jobs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ids, err := engine.PlanCustom(id, req.Jobs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"job_ids": ids})
	}
}

func getJob(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := engine.GetJob(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func retryJob(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.RetryJob(mux.Vars(r)["id"]); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(models.PendingJobStatus)})
	}
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
