package balancer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/llmlb/llmlb/internal/model"
)

// ErrNoNodesAvailable is returned when no endpoint is online at all.
var ErrNoNodesAvailable = errors.New("no nodes available")

// NoCapableNodesError is returned when no registered (non-removed) endpoint
// advertises modelID.
type NoCapableNodesError struct {
	ModelID string
}

func (e *NoCapableNodesError) Error() string {
	return fmt.Sprintf("no capable nodes for model %q", e.ModelID)
}

func (lm *LoadManager) onlineEndpoints(modelID *string) []model.Endpoint {
	if modelID != nil {
		return lm.registry.FindByModel(*modelID)
	}
	return lm.registry.ListOnline()
}

func (lm *LoadManager) collectOnlineEndpoints(modelID *string) ([]model.Endpoint, error) {
	endpoints := lm.onlineEndpoints(modelID)
	if len(endpoints) == 0 {
		if modelID != nil {
			return nil, &NoCapableNodesError{ModelID: *modelID}
		}
		return nil, ErrNoNodesAvailable
	}
	return endpoints, nil
}

// SelectEndpointDirect picks an online endpoint by round robin, ignoring
// model capability and idleness.
func (lm *LoadManager) SelectEndpointDirect() (model.Endpoint, error) {
	endpoints, err := lm.collectOnlineEndpoints(nil)
	if err != nil {
		return model.Endpoint{}, err
	}
	return lm.selectRoundRobinFrom(endpoints), nil
}

// SelectEndpointDirectForModel is SelectEndpointDirect restricted to
// endpoints advertising modelID.
func (lm *LoadManager) SelectEndpointDirectForModel(modelID string) (model.Endpoint, error) {
	endpoints, err := lm.collectOnlineEndpoints(&modelID)
	if err != nil {
		return model.Endpoint{}, err
	}
	return lm.selectRoundRobinFrom(endpoints), nil
}

// SelectEndpointRoundRobinDirect is an alias of SelectEndpointDirect, kept
// distinct so call sites can name the "direct, no idleness filter" path
// explicitly.
func (lm *LoadManager) SelectEndpointRoundRobinDirect() (model.Endpoint, error) {
	return lm.SelectEndpointDirect()
}

// SelectEndpointRoundRobinDirectForModel is an alias of
// SelectEndpointDirectForModel.
func (lm *LoadManager) SelectEndpointRoundRobinDirectForModel(modelID string) (model.Endpoint, error) {
	return lm.SelectEndpointDirectForModel(modelID)
}

// SelectEndpointRoundRobinReadyForModel restricts the round-robin pick to
// endpoints advertising modelID that have also completed initialization —
// unlike SelectIdleEndpointForModel it does not require the endpoint to be
// idle, only ready to serve.
func (lm *LoadManager) SelectEndpointRoundRobinReadyForModel(modelID string) (model.Endpoint, error) {
	endpoints, err := lm.collectOnlineEndpoints(&modelID)
	if err != nil {
		return model.Endpoint{}, err
	}

	ready := lm.filterNotInitializing(endpoints)
	if len(ready) == 0 {
		return model.Endpoint{}, &NoCapableNodesError{ModelID: modelID}
	}
	return lm.selectRoundRobinFrom(ready), nil
}

func (lm *LoadManager) filterNotInitializing(endpoints []model.Endpoint) []model.Endpoint {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := make([]model.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		s, ok := lm.state[ep.ID]
		if !ok || !s.Initializing {
			out = append(out, ep)
		}
	}
	return out
}

// SelectIdleEndpoint picks the highest-priority idle endpoint among all
// online, ready endpoints, or (nil, nil) if none are idle.
func (lm *LoadManager) SelectIdleEndpoint() (*model.Endpoint, error) {
	return lm.selectIdle(nil)
}

// SelectIdleEndpointForModel is SelectIdleEndpoint restricted to endpoints
// advertising modelID.
func (lm *LoadManager) SelectIdleEndpointForModel(modelID string) (*model.Endpoint, error) {
	return lm.selectIdle(&modelID)
}

func (lm *LoadManager) selectIdle(modelID *string) (*model.Endpoint, error) {
	endpoints, err := lm.collectOnlineEndpoints(modelID)
	if err != nil {
		return nil, err
	}

	ready := lm.filterNotInitializing(endpoints)
	if len(ready) == 0 {
		if modelID != nil {
			return nil, &NoCapableNodesError{ModelID: *modelID}
		}
		return nil, ErrNoNodesAvailable
	}

	lm.mu.RLock()
	var idle []model.Endpoint
	for _, ep := range ready {
		s, ok := lm.state[ep.ID]
		if !ok || s.combinedActive() == 0 {
			idle = append(idle, ep)
		}
	}
	lm.mu.RUnlock()

	if len(idle) == 0 {
		return nil, nil
	}

	cursor := int(lm.roundRobin.Load() % uint64(len(ready)))
	priority := computeRoundRobinPriority(ready, cursor)

	sort.SliceStable(idle, func(i, j int) bool {
		return priority[idle[i].ID] < priority[idle[j].ID]
	})
	return &idle[0], nil
}

// computeRoundRobinPriority maps each endpoint id to its rank in a rotation
// that starts at offset cursor within endpoints — the same ordering plain
// round robin would visit them in, used to break ties among multiple idle
// endpoints by who's "next up".
func computeRoundRobinPriority(endpoints []model.Endpoint, cursor int) map[uuid.UUID]int {
	n := len(endpoints)
	priority := make(map[uuid.UUID]int, n)
	for i := 0; i < n; i++ {
		idx := (cursor + i) % n
		priority[endpoints[idx].ID] = i
	}
	return priority
}

func (lm *LoadManager) selectRoundRobinFrom(endpoints []model.Endpoint) model.Endpoint {
	cursor := lm.roundRobin.Add(1) - 1
	index := int(cursor % uint64(len(endpoints)))
	return endpoints[index]
}
