package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/model"
)

func handleListDefinitions(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := definition.ListFilter{
			ApplicationType: r.URL.Query().Get("application_type"),
			Status:          model.DefinitionStatus(r.URL.Query().Get("status")),
		}
		defs, err := reg.List(r.Context(), filter)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if defs == nil {
			defs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, listResponse[model.WorkflowDefinition]{Data: defs})
	}
}

func handleCreateDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(w, r, &def); err != nil {
			WriteError(w, r, err)
			return
		}
		created, err := reg.Create(r.Context(), def)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/definitions/"+created.ID)
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleGetDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := reg.Get(r.Context(), chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDeleteDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(r.Context(), chi.URLParam(r, "definitionId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleValidateDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := reg.ValidateByID(r.Context(), chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, struct {
			Valid bool `json:"valid"`
			definition.ValidationResult
		}{Valid: res.Valid(), ValidationResult: res})
	}
}

func handleActivateDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := reg.Activate(r.Context(), chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleActiveDefinition(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := reg.GetActiveDefinition(r.Context(), chi.URLParam(r, "applicationType"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
