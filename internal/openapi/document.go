// Package openapi carries the HTTP API description of the service. The
// document is embedded in the binary, validated on load, and used to check
// request bodies and to serve /openapi.json.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed stepflow.yaml
var stepflowSpec []byte

// Operation is one indexed API operation. Path is the full route including
// the server base path.
type Operation struct {
	ID          string
	Method      string
	Path        string
	RequestBody *openapi3.RequestBody
}

// ValidationError describes a request body that does not match the
// operation's schema.
type ValidationError struct {
	Field   string
	Message string
}

// Document is the loaded API description with its operations indexed by
// operationId.
type Document struct {
	doc        *openapi3.T
	basePath   string
	operations map[string]Operation
	rendered   []byte
}

// Load parses and validates the embedded document.
func Load(ctx context.Context) (*Document, error) {
	return LoadData(ctx, stepflowSpec)
}

// LoadData parses and validates an OpenAPI document from raw YAML or JSON.
func LoadData(ctx context.Context, data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	basePath := ""
	if len(doc.Servers) > 0 {
		basePath = strings.TrimSuffix(doc.Servers[0].URL, "/")
	}

	d := &Document{
		doc:        doc,
		basePath:   basePath,
		operations: make(map[string]Operation),
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := d.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			d.operations[op.OperationID] = Operation{
				ID:          op.OperationID,
				Method:      method,
				Path:        basePath + path,
				RequestBody: body,
			}
		}
	}

	d.rendered, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: rendering document: %w", err)
	}
	return d, nil
}

// BasePath is the path prefix every operation is served under.
func (d *Document) BasePath() string {
	return d.basePath
}

// Operation returns the operation with the given operationId.
func (d *Document) Operation(id string) (Operation, bool) {
	op, ok := d.operations[id]
	return op, ok
}

// Operations returns every operation sorted by path, then method.
func (d *Document) Operations() []Operation {
	ops := make([]Operation, 0, len(d.operations))
	for _, op := range d.operations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].Method < ops[j].Method
	})
	return ops
}

// ValidateRequest checks body against the operation's JSON request schema.
// Only top-level required properties are checked; field semantics are left
// to the handlers.
func (d *Document) ValidateRequest(operationID string, body map[string]any) []ValidationError {
	op, ok := d.operations[operationID]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	var errs []ValidationError
	for _, req := range ct.Schema.Value.Required {
		if _, exists := body[req]; !exists {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}

// BodyRequired reports whether the operation declares a mandatory body.
func (d *Document) BodyRequired(operationID string) bool {
	op, ok := d.operations[operationID]
	return ok && op.RequestBody != nil && op.RequestBody.Required
}

// Handler serves the document as JSON.
func (d *Document) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(d.rendered)
	})
}
