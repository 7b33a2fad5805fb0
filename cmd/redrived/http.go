package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/redrive/claim"
	"github.com/hazyhaar/redrive/drive"
	"github.com/hazyhaar/redrive/runner"
	"github.com/hazyhaar/redrive/session"
)

func newRouter(logger *slog.Logger, jobs *runner.Runner, claims *claim.Store, coord *session.Coordinator, steps *drive.StepLog) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/jobs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TicketID      int64          `json:"ticket_id"`
			OperationType string         `json:"operation_type"`
			Config        map[string]any `json:"config"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.TicketID == 0 || body.OperationType == "" {
			http.Error(w, "ticket_id and operation_type are required", http.StatusBadRequest)
			return
		}

		out, err := jobs.SubmitJob(req.Context(), body.TicketID, body.OperationType, body.Config)
		if err != nil {
			logger.Error("http: submit failed", "ticket_id", body.TicketID, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, jobOutcomeBody(out))
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := claims.Get(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            job.ID,
			"status":        string(job.Status),
			"claimed_by":    job.ClaimedBy,
			"result":        job.Result,
			"error_message": job.ErrorMessage,
			"retry_count":   job.RetryCount,
			"created_at":    job.CreatedAt,
		})
	})

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/recovery", func(w http.ResponseWriter, req *http.Request) {
			info, err := coord.SessionRecoveryInfo(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, info)
		})

		r.Post("/recover", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				TargetID string `json:"target_id"`
			}
			// An empty body means "recover from the best point".
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			plan, res, err := coord.RecoverSession(req.Context(), chi.URLParam(req, "id"), body.TargetID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := map[string]any{
				"status":     string(plan.Status),
				"strategy":   string(plan.Strategy),
				"target_id":  plan.TargetID,
				"confidence": plan.Confidence,
				"reason":     plan.Reason,
				"executed":   res != nil,
			}
			if res != nil {
				out["validation_valid"] = res.Validation.OverallValid
				out["recovery_ms"] = res.RecoveryTime.Milliseconds()
				if res.Checkpoint != nil {
					out["resumed_step"] = res.Checkpoint.CurrentStep
				}
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/steps", func(w http.ResponseWriter, req *http.Request) {
			trail, err := steps.List(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, trail)
		})
	})

	return r
}

func jobOutcomeBody(out runner.JobOutcome) map[string]any {
	return map[string]any{
		"kind":                        string(out.Kind),
		"job_id":                      out.JobID,
		"result":                      out.Result,
		"error_message":               out.ErrorMessage,
		"retry_count":                 out.RetryCount,
		"from_cache":                  out.FromCache,
		"requires_human_intervention": out.RequiresHumanIntervention,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
