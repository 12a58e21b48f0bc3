package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// ListWorkflowDefinitions returns active definitions, or every published
// version when includeInactive is set.
func (f *Facade) ListWorkflowDefinitions(ctx context.Context, includeInactive bool) (defs []model.WorkflowDefinition, err error) {
	_, done := f.begin(ctx, "list_workflow_definitions")
	defer func() { done(err) }()
	return f.defs.List(includeInactive), nil
}

// GetDefinition returns the active version of name, or the given version
// when version is positive.
func (f *Facade) GetDefinition(ctx context.Context, name string, version int) (def model.WorkflowDefinition, err error) {
	_, done := f.begin(ctx, "get_definition", observability.AttrDefinition.String(name))
	defer func() { done(err) }()

	if version < 0 {
		return def, model.NewFieldValidationError("version", "OUT_OF_RANGE", fmt.Sprintf("invalid version %d", version))
	}
	if version > 0 {
		return f.defs.Get(name, version)
	}
	return f.defs.GetActive(name)
}

// PublishDefinition validates def and stores it as the new active version of
// its name. Publishing content identical to the active version returns the
// active version unchanged.
func (f *Facade) PublishDefinition(ctx context.Context, actor model.Actor, def model.WorkflowDefinition) (published model.WorkflowDefinition, err error) {
	ctx, done := f.begin(ctx, "publish_definition",
		observability.AttrActorID.String(actor.ID),
		observability.AttrDefinition.String(def.Name),
	)
	defer func() { done(err) }()

	if err = authenticate(actor); err != nil {
		return published, err
	}
	if !f.directory.Allows(actor.Roles, model.CapDefinitionPublish) {
		return published, model.NewUnauthorizedError("publishing a definition requires the definition:publish capability")
	}

	def.CreatedBy = actor.ID
	previous := 0
	if active, aErr := f.defs.GetActive(strings.TrimSpace(def.Name)); aErr == nil {
		previous = active.Version
	}
	published, err = f.defs.Publish(ctx, def)
	if err != nil {
		return published, err
	}
	if f.metrics != nil {
		if published.Version != previous {
			f.metrics.RecordDefinitionPublished(published.Name)
		}
		f.metrics.SetDefinitionsActive(len(f.defs.List(false)))
	}
	return published, nil
}
