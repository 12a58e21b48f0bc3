package openapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func loadDocument(t *testing.T) *Document {
	t.Helper()
	doc, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return doc
}

func TestLoad_EmbeddedDocumentIsValid(t *testing.T) {
	doc := loadDocument(t)

	if doc.BasePath() != "/api/v1" {
		t.Errorf("BasePath = %q, want /api/v1", doc.BasePath())
	}

	want := map[string]string{
		"listDefinitions":     "GET /api/v1/definitions",
		"publishDefinition":   "POST /api/v1/definitions",
		"getDefinition":       "GET /api/v1/definitions/{name}",
		"listInstances":       "GET /api/v1/instances",
		"startWorkflow":       "POST /api/v1/instances",
		"reconcileInstances":  "POST /api/v1/instances/reconcile",
		"getInstance":         "GET /api/v1/instances/{instanceId}",
		"getInstanceHistory":  "GET /api/v1/instances/{instanceId}/history",
		"resolveInstance":     "POST /api/v1/instances/{instanceId}/resolve",
		"cancelInstance":      "POST /api/v1/instances/{instanceId}/cancel",
		"listTasks":           "GET /api/v1/tasks",
		"getTask":             "GET /api/v1/tasks/{taskId}",
		"transitionTask":      "POST /api/v1/tasks/{taskId}/transition",
		"getDashboardSummary": "GET /api/v1/dashboard",
	}
	ops := doc.Operations()
	if len(ops) != len(want) {
		t.Errorf("Operations() returned %d, want %d", len(ops), len(want))
	}
	for id, route := range want {
		op, ok := doc.Operation(id)
		if !ok {
			t.Errorf("operation %s missing", id)
			continue
		}
		if got := op.Method + " " + op.Path; got != route {
			t.Errorf("%s = %q, want %q", id, got, route)
		}
	}
}

func TestOperations_Sorted(t *testing.T) {
	ops := loadDocument(t).Operations()
	for i := 1; i < len(ops); i++ {
		prev, cur := ops[i-1], ops[i]
		if prev.Path > cur.Path || (prev.Path == cur.Path && prev.Method > cur.Method) {
			t.Fatalf("operations not sorted at %d: %s %s after %s %s", i, cur.Method, cur.Path, prev.Method, prev.Path)
		}
	}
}

func TestLoadData_RejectsInvalidDocument(t *testing.T) {
	bad := []byte(`
openapi: 3.0.3
info:
  title: broken
  version: "1"
paths:
  /things/{id}:
    get:
      operationId: getThing
      responses:
        "200":
          description: ok
`)
	if _, err := LoadData(context.Background(), bad); err == nil {
		t.Fatal("expected validation error for undeclared path parameter")
	}
}

func TestLoadData_RejectsDuplicateOperationID(t *testing.T) {
	dup := []byte(`
openapi: 3.0.3
info:
  title: dup
  version: "1"
paths:
  /a:
    get:
      operationId: same
      responses:
        "200":
          description: ok
  /b:
    get:
      operationId: same
      responses:
        "200":
          description: ok
`)
	_, err := LoadData(context.Background(), dup)
	if err == nil {
		t.Fatal("expected an error for duplicate operationId")
	}
}

func TestValidateRequest(t *testing.T) {
	doc := loadDocument(t)

	tests := []struct {
		name      string
		operation string
		body      map[string]any
		wantField []string
	}{
		{
			name:      "complete start request",
			operation: "startWorkflow",
			body:      map[string]any{"definition_name": "fruit", "entity_type": "FRUIT", "entity_id": "f-1"},
		},
		{
			name:      "missing entity id",
			operation: "startWorkflow",
			body:      map[string]any{"definition_name": "fruit", "entity_type": "FRUIT"},
			wantField: []string{"entity_id"},
		},
		{
			name:      "transition without status",
			operation: "transitionTask",
			body:      map[string]any{"comment": "x"},
			wantField: []string{"status"},
		},
		{
			name:      "publish empty body",
			operation: "publishDefinition",
			body:      map[string]any{},
			wantField: []string{"name", "entity_type", "steps"},
		},
		{
			name:      "operation without body",
			operation: "getDashboardSummary",
			body:      nil,
		},
		{
			name:      "cancel with optional body",
			operation: "cancelInstance",
			body:      map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := doc.ValidateRequest(tt.operation, tt.body)
			if len(errs) != len(tt.wantField) {
				t.Fatalf("got %d errors (%v), want %d", len(errs), errs, len(tt.wantField))
			}
			for i, f := range tt.wantField {
				if errs[i].Field != f {
					t.Errorf("errs[%d].Field = %q, want %q", i, errs[i].Field, f)
				}
			}
		})
	}
}

func TestValidateRequest_UnknownOperation(t *testing.T) {
	errs := loadDocument(t).ValidateRequest("nope", nil)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "not found") {
		t.Fatalf("unexpected result: %v", errs)
	}
}

func TestBodyRequired(t *testing.T) {
	doc := loadDocument(t)
	if !doc.BodyRequired("transitionTask") {
		t.Error("transitionTask body should be required")
	}
	if doc.BodyRequired("cancelInstance") {
		t.Error("cancelInstance body should be optional")
	}
	if doc.BodyRequired("reconcileInstances") {
		t.Error("reconcileInstances has no body")
	}
}

func TestHandler_ServesJSON(t *testing.T) {
	doc := loadDocument(t)
	rec := httptest.NewRecorder()
	doc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["openapi"] != "3.0.3" {
		t.Errorf("openapi = %v", body["openapi"])
	}
	paths, _ := body["paths"].(map[string]any)
	if _, ok := paths["/tasks/{taskId}/transition"]; !ok {
		t.Error("transition path missing from rendered document")
	}
}
