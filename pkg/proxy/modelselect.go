package proxy

import (
	"context"
	"strings"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lmbridge/lmbridge/pkg/cache"
	"github.com/lmbridge/lmbridge/pkg/provider"
)

const modelCacheKey = "models"

// Selection is a resolved model choice. ResolvedID is what gets sent
// upstream; UsedID is what downstream responses display.
type Selection struct {
	ResolvedID string
	UsedID     string
	Models     []provider.Model
}

// ModelSelector resolves client-supplied model names against the
// bridge's model list, cached for a short TTL so that chat traffic does
// not hammer the models endpoint.
type ModelSelector struct {
	client *Client
	ttl    time.Duration
	cache  *cache.TTLMap[string, []provider.Model]

	now func() time.Time
}

func NewModelSelector(client *Client, ttl time.Duration) *ModelSelector {
	return &ModelSelector{
		client: client,
		ttl:    ttl,
		cache:  cache.NewTTLMap[string, []provider.Model](),
		now:    time.Now,
	}
}

// Models returns the cached model list, refreshing it when stale.
func (s *ModelSelector) Models(ctx context.Context) ([]provider.Model, error) {
	now := s.now()
	if models, ok := s.cache.GetFresh(modelCacheKey, now); ok {
		return models, nil
	}
	models, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetWithTTL(modelCacheKey, models, now, s.ttl)
	return models, nil
}

// Invalidate drops the cached model list.
func (s *ModelSelector) Invalidate() {
	s.cache.Delete(modelCacheKey)
}

// Select resolves a requested model name. An exact id match yields a
// resolved id to pass upstream; family and vendor matches (case
// insensitive) only pin the display id, since the bridge has no selector
// for that match class and picks its own default. An unresolvable name
// falls back to the first available model, or to the raw name when the
// list is empty, so the bridge still gets a chance to answer.
func (s *ModelSelector) Select(ctx context.Context, requested string) (Selection, error) {
	models, err := s.Models(ctx)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Models: models}

	requested = strings.TrimSpace(requested)
	if requested == "" {
		if len(models) > 0 {
			sel.UsedID = models[0].ID
		}
		return sel, nil
	}

	for _, m := range models {
		if m.ID == requested {
			sel.ResolvedID, sel.UsedID = m.ID, m.ID
			return sel, nil
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.Family, requested) {
			sel.UsedID = m.ID
			return sel, nil
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.Vendor, requested) {
			sel.UsedID = m.ID
			return sel, nil
		}
	}

	if len(models) > 0 {
		log.Debug("model name not resolved, using first available", "requested", requested, "resolved", models[0].ID)
		sel.UsedID = models[0].ID
		return sel, nil
	}
	// Empty model list: pass the raw name through for display and let
	// the bridge report model availability.
	sel.UsedID = requested
	return sel, nil
}
