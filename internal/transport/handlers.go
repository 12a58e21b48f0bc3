package transport

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepflow/internal/orchestrator"
	"github.com/pitabwire/stepflow/model"
)

const headerIdempotencyKey = "X-Idempotency-Key"

// requestActor returns the authenticated actor, writing a 401 when there is
// none.
func requestActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthenticatedError("missing request context"))
		return model.Actor{}, false
	}
	return rctx.Actor, true
}

// --- definitions ---

func handleListDefinitions(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := f.ListWorkflowDefinitions(r.Context(), queryBool(r, "include_inactive"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": defs})
	}
}

func handleGetDefinition(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, err := queryInt(r, "version", 0)
		if err != nil {
			WriteError(w, err)
			return
		}
		def, err := f.GetDefinition(r.Context(), chi.URLParam(r, "name"), version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handlePublishDefinition(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Name        string               `json:"name"`
			Description string               `json:"description"`
			EntityType  string               `json:"entity_type"`
			Steps       []model.StepTemplate `json:"steps"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		def, err := f.PublishDefinition(r.Context(), actor, model.WorkflowDefinition{
			Name:        body.Name,
			Description: body.Description,
			EntityType:  model.EntityType(body.EntityType),
			Steps:       body.Steps,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

// --- instances ---

func handleStartWorkflow(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			DefinitionName string `json:"definition_name"`
			EntityType     string `json:"entity_type"`
			EntityID       string `json:"entity_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		res, err := f.StartWorkflow(r.Context(), actor, body.DefinitionName, body.EntityType, body.EntityID)
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, res)
	}
}

func handleListInstances(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			WriteError(w, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			WriteError(w, err)
			return
		}
		q := r.URL.Query()
		list, err := f.ListInstances(r.Context(), orchestrator.InstanceQuery{
			Status:         q.Get("status"),
			EntityType:     q.Get("entity_type"),
			EntityID:       q.Get("entity_id"),
			DefinitionName: q.Get("definition_name"),
			Limit:          limit,
			Offset:         offset,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   list,
			"limit":  limit,
			"offset": offset,
		})
	}
}

func handleGetInstance(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := f.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceHistory(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := f.GetInstanceHistory(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, h)
	}
}

func handleResolveInstance(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Decision string `json:"decision"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		inst, err := f.ResolveBlockedInstance(r.Context(), actor, chi.URLParam(r, "instanceId"), body.Decision)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleCancelInstance(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &body); err != nil {
				WriteError(w, err)
				return
			}
		}
		inst, err := f.CancelInstance(r.Context(), actor, chi.URLParam(r, "instanceId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleReconcile(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		report, err := f.ReconcileInstances(r.Context(), actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// --- tasks ---

func handleListTasks(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var statuses []string
		for _, v := range r.URL.Query()["status"] {
			statuses = append(statuses, strings.Split(v, ",")...)
		}
		tasks, err := f.ListTasksForUser(r.Context(), actor, orchestrator.TaskQuery{
			Statuses:   statuses,
			InstanceID: r.URL.Query().Get("instance_id"),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

func handleGetTask(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := f.GetTask(r.Context(), chi.URLParam(r, "taskId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTransitionTask(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requestActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Status          string `json:"status"`
			Comment         string `json:"comment"`
			ExpectedVersion *int   `json:"expected_version"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		task, err := f.TransitionTask(r.Context(), actor, orchestrator.TransitionInput{
			TaskID:          chi.URLParam(r, "taskId"),
			Target:          body.Status,
			Comment:         body.Comment,
			ExpectedVersion: body.ExpectedVersion,
			IdempotencyKey:  strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

// --- dashboard ---

func handleDashboard(f *orchestrator.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := f.GetDashboardSummary(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sum)
	}
}
