package vhal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/dreamware/warden/internal/storage"
)

const propertyKeyPrefix = "vhal/prop/"

func propertyKey(prop, area int32) string {
	return fmt.Sprintf("%s%d/%d", propertyKeyPrefix, prop, area)
}

// Properties is a property table kept in a storage.Store.
type Properties struct {
	store  storage.Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewProperties creates a table over store.
func NewProperties(store storage.Store, cl clock.Clock, logger *slog.Logger) *Properties {
	if cl == nil {
		cl = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Properties{store: store, clock: cl, logger: logger}
}

// Get returns the stored value of the property area of req.
func (p *Properties) Get(req PropValue) (*PropValue, StatusCode) {
	raw, err := p.store.Get(propertyKey(req.Prop, req.AreaID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, StatusNotAvailable
	}
	if err != nil {
		p.logger.Error("failed to read property", "prop", req.Prop, "area", req.AreaID, "error", err)
		return nil, StatusInternalError
	}
	var v PropValue
	if err := json.Unmarshal(raw, &v); err != nil {
		p.logger.Error("corrupt property value", "prop", req.Prop, "area", req.AreaID, "error", err)
		return nil, StatusInternalError
	}
	return &v, StatusOK
}

// Set stores value, stamping it with the current time when it has none.
func (p *Properties) Set(value PropValue) StatusCode {
	if value.Prop == 0 {
		return StatusInvalidArg
	}
	if value.Timestamp == 0 {
		value.Timestamp = p.clock.Now().UnixNano()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return StatusInternalError
	}
	if err := p.store.Put(propertyKey(value.Prop, value.AreaID), raw); err != nil {
		p.logger.Error("failed to write property", "prop", value.Prop, "area", value.AreaID, "error", err)
		return StatusInternalError
	}
	return StatusOK
}

// Count returns the number of stored property areas.
func (p *Properties) Count() int {
	return len(p.store.List(propertyKeyPrefix))
}

// GetAll answers a batch of get requests.
func (p *Properties) GetAll(reqs []GetRequest) []GetResult {
	results := make([]GetResult, len(reqs))
	for i, r := range reqs {
		v, status := p.Get(r.Prop)
		results[i] = GetResult{RequestID: r.RequestID, Status: status, Prop: v}
	}
	return results
}

// SetAll answers a batch of set requests.
func (p *Properties) SetAll(reqs []SetRequest) []SetResult {
	results := make([]SetResult, len(reqs))
	for i, r := range reqs {
		results[i] = SetResult{RequestID: r.RequestID, Status: p.Set(r.Value)}
	}
	return results
}

// LocalHal serves requests from a Properties table in process. Results are
// delivered on a separate goroutine like a remote transport would.
type LocalHal struct {
	props *Properties
}

// NewLocalHal serves props in process. Results are delivered on their own
// goroutine, like results from a remote service.
func NewLocalHal(props *Properties) *LocalHal {
	return &LocalHal{props: props}
}

func (h *LocalHal) GetValues(_ context.Context, cb Callbacks, reqs []GetRequest) error {
	results := h.props.GetAll(reqs)
	go cb.OnGetValues(results)
	return nil
}

func (h *LocalHal) SetValues(_ context.Context, cb Callbacks, reqs []SetRequest) error {
	results := h.props.SetAll(reqs)
	go cb.OnSetValues(results)
	return nil
}
