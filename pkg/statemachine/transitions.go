// Package statemachine enforces the Batch and Article lifecycle graphs
// behind a single transition(entity_type, entity_id, trigger) entry point,
// serializing each transition with a short-lived lock and caching current
// state ahead of a relational fallback.
package statemachine

import "github.com/langgraphsystem/rssnews/pkg/model"

// EntityType names one of the two lifecycles this package governs.
type EntityType string

const (
	EntityBatch   EntityType = "batch"
	EntityArticle EntityType = "raw_article"
)

// Transition is one edge of an entity's state graph: in From, applying
// Trigger lands the entity in To.
type Transition struct {
	From    string
	Trigger string
	To      string
}

// batchTransitions mirrors the Batch lifecycle: created -> ready (plan) ->
// processing (start) -> completed|failed, with failed retrying back to
// ready and completed/failed both archivable. cancel reaches from ready or
// processing. The model has no separate "pending" constant; BatchStatusReady
// is the planner's pending-for-pickup state and fills that role here.
var batchTransitions = []Transition{
	{string(model.BatchStatusCreated), "plan", string(model.BatchStatusReady)},
	{string(model.BatchStatusReady), "start", string(model.BatchStatusProcessing)},
	{string(model.BatchStatusProcessing), "complete", string(model.BatchStatusCompleted)},
	{string(model.BatchStatusProcessing), "fail", string(model.BatchStatusFailed)},
	{string(model.BatchStatusFailed), "retry", string(model.BatchStatusReady)},
	{string(model.BatchStatusCompleted), "archive", string(model.BatchStatusArchived)},
	{string(model.BatchStatusFailed), "archive", string(model.BatchStatusArchived)},
	{string(model.BatchStatusReady), "cancel", string(model.BatchStatusCancelled)},
	{string(model.BatchStatusProcessing), "cancel", string(model.BatchStatusCancelled)},
}

// articleTransitions mirrors the Article lifecycle as it actually exists on
// RawArticleStatus: pending -> processing (the planner's claim) ->
// processed|failed|rejected|duplicate, with failed retrying back to pending.
// The model carries no "created" or "archived" status distinct from these,
// so unlike the Batch graph this one starts at pending and has no archive
// edge; a row's insert by the fetcher is outside this module's scope.
var articleTransitions = []Transition{
	{string(model.RawArticleStatusPending), "claim", string(model.RawArticleStatusProcessing)},
	{string(model.RawArticleStatusProcessing), "complete", string(model.RawArticleStatusProcessed)},
	{string(model.RawArticleStatusProcessing), "fail", string(model.RawArticleStatusFailed)},
	{string(model.RawArticleStatusProcessing), "reject", string(model.RawArticleStatusRejected)},
	{string(model.RawArticleStatusProcessing), "duplicate", string(model.RawArticleStatusDuplicate)},
	{string(model.RawArticleStatusFailed), "retry", string(model.RawArticleStatusPending)},
	{string(model.RawArticleStatusRejected), "retry", string(model.RawArticleStatusPending)},
}

func tableFor(entityType EntityType) []Transition {
	switch entityType {
	case EntityBatch:
		return batchTransitions
	case EntityArticle:
		return articleTransitions
	default:
		return nil
	}
}

// lookup returns the destination state for (current, trigger) in entityType's
// graph, and false if no such edge exists.
func lookup(entityType EntityType, current, trigger string) (string, bool) {
	for _, t := range tableFor(entityType) {
		if t.From == current && t.Trigger == trigger {
			return t.To, true
		}
	}
	return "", false
}

// CanTransition reports whether trigger is a valid edge out of current for
// entityType, without performing it.
func CanTransition(entityType EntityType, current, trigger string) bool {
	_, ok := lookup(entityType, current, trigger)
	return ok
}
