package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/admissions/internal/scheduler"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

func handleSubmitApplication(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireCaller(w, r)
		if !ok {
			return
		}

		var body workflow.SubmitRequest
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		body.Actor = rctx.Actor()

		state, err := engine.Submit(r.Context(), body)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/applications/"+state.ApplicationID)
		WriteJSON(w, http.StatusCreated, state)
	}
}

func handleGetApplication(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := engine.GetState(r.Context(), chi.URLParam(r, "applicationId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, state)
	}
}

func handleLegalTransitions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireCaller(w, r)
		if !ok {
			return
		}

		legal, err := engine.GetLegalTransitions(r.Context(), chi.URLParam(r, "applicationId"), rctx.Actor())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if legal == nil {
			legal = []model.Transition{}
		}
		WriteJSON(w, http.StatusOK, listResponse[model.Transition]{Data: legal})
	}
}

type applyTransitionBody struct {
	Notes           string `json:"notes"`
	ExpectedVersion *int   `json:"expected_version"`
}

type applyTransitionResponse struct {
	State      model.ApplicationWorkflowState `json:"state"`
	Record     model.StatusRecord             `json:"record"`
	Idempotent bool                           `json:"idempotent"`
}

func handleApplyTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireCaller(w, r)
		if !ok {
			return
		}

		var body applyTransitionBody
		if err := decodeOptionalJSON(w, r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		res, err := engine.ApplyTransition(r.Context(), workflow.ApplyRequest{
			ApplicationID:   chi.URLParam(r, "applicationId"),
			TransitionID:    chi.URLParam(r, "transitionId"),
			Actor:           rctx.Actor(),
			Notes:           body.Notes,
			ExpectedVersion: body.ExpectedVersion,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, applyTransitionResponse{
			State:      res.State,
			Record:     res.Record,
			Idempotent: res.Idempotent,
		})
	}
}

func handleTimeline(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := engine.GetApplicationStatusTimeline(r.Context(), chi.URLParam(r, "applicationId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if records == nil {
			records = []model.StatusRecord{}
		}
		WriteJSON(w, http.StatusOK, listResponse[model.StatusRecord]{Data: records})
	}
}

type evaluationResponse struct {
	ApplicationID string               `json:"application_id"`
	Applied       []model.StatusRecord `json:"applied"`
	ChainLimited  bool                 `json:"chain_limited"`
}

func handleApplicationEvent(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sched == nil {
			WriteError(w, r, model.NewDependencyUnavailableError("scheduler is not configured"))
			return
		}

		var event model.ApplicationEvent
		if err := decodeJSON(w, r, &event); err != nil {
			WriteError(w, r, err)
			return
		}
		event.ApplicationID = chi.URLParam(r, "applicationId")

		ev, err := sched.HandleEvent(r.Context(), event)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		applied := ev.Applied
		if applied == nil {
			applied = []model.StatusRecord{}
		}
		WriteJSON(w, http.StatusOK, evaluationResponse{
			ApplicationID: ev.ApplicationID,
			Applied:       applied,
			ChainLimited:  ev.ChainLimited,
		})
	}
}
