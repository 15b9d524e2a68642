package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/ulid"
)

// SimulatedAdapter is a development stand-in for the sync server: it sleeps
// for a configurable latency and rolls a weighted outcome. It exists so the
// queue can be exercised end-to-end without a backend; production wiring must
// always use Client.
type SimulatedAdapter struct {
	// Latency applied to every push
	Latency time.Duration
	// SuccessRate and ConflictRate are probabilities in [0,1]; the remainder
	// is a transient failure
	SuccessRate  float64
	ConflictRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedAdapter creates a simulated adapter with the given outcome ratios
func NewSimulatedAdapter(latency time.Duration, successRate, conflictRate float64) *SimulatedAdapter {
	return &SimulatedAdapter{
		Latency:      latency,
		SuccessRate:  successRate,
		ConflictRate: conflictRate,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Push simulates one network exchange
func (a *SimulatedAdapter) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	roll := a.rng.Float64()
	a.mu.Unlock()

	switch {
	case roll < a.SuccessRate:
		return &PushResponse{
			Entity:        a.serverEntity(req),
			ServerVersion: 1,
		}, nil
	case roll < a.SuccessRate+a.ConflictRate:
		return nil, &ConflictError{
			Details: &queue.ConflictDetails{
				Type:          queue.ConflictTypeVersion,
				ServerVersion: 2,
				ClientVersion: 1,
			},
		}
	default:
		return nil, fmt.Errorf("simulated server unavailable")
	}
}

// serverEntity echoes the pushed payload back as the server's canonical form,
// assigning a fresh identity for creates the way a real backend would
func (a *SimulatedAdapter) serverEntity(req *PushRequest) json.RawMessage {
	var entity map[string]interface{}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &entity); err != nil {
			entity = map[string]interface{}{}
		}
	} else {
		entity = map[string]interface{}{}
	}

	if req.Action == queue.ActionCreate {
		entity["id"] = "srv-" + ulid.Generate().String()
	} else if _, ok := entity["id"]; !ok {
		entity["id"] = req.EntityID
	}
	entity["version"] = 1

	encoded, err := json.Marshal(entity)
	if err != nil {
		return nil
	}
	return encoded
}
