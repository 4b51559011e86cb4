package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"

	"github.com/codelaboratoryltd/meridian/internal/keys"
)

const lockStripes = 64

// monitoringStore keeps monitoring state in a datastore, CBOR encoded.
type monitoringStore struct {
	ds    ds.Datastore
	locks [lockStripes]sync.Mutex
}

// NewMonitoringStore creates a monitoring store on the given datastore.
func NewMonitoringStore(datastore ds.Datastore) MonitoringStore {
	return &monitoringStore{ds: datastore}
}

func (ms *monitoringStore) lockFor(customerID int64) *sync.Mutex {
	i := customerID % lockStripes
	if i < 0 {
		i = -i
	}
	return &ms.locks[i]
}

// unmarshal decodes a monitoring state, taking the customer ID from the key.
func (ms *monitoringStore) unmarshal(key ds.Key, value []byte) (*MonitoringState, error) {
	id, ok := keys.CustomerID(key)
	if !ok {
		return nil, ErrMalformedKey
	}
	state := &MonitoringState{}
	if err := cbor.Unmarshal(value, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal monitoring state: %w", err)
	}
	state.CustomerID = id
	return state, nil
}

func (ms *monitoringStore) get(ctx context.Context, customerID int64) (*MonitoringState, error) {
	key := keys.Monitoring(customerID)
	data, err := ms.ds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, fmt.Errorf("customer %d: %w", customerID, ErrMonitoringNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve monitoring state: %w", err)
	}
	return ms.unmarshal(key, data)
}

func (ms *monitoringStore) put(ctx context.Context, state *MonitoringState) error {
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal monitoring state: %w", err)
	}
	if err := ms.ds.Put(ctx, keys.Monitoring(state.CustomerID), data); err != nil {
		return fmt.Errorf("failed to put monitoring state: %w", err)
	}
	return nil
}

// Get retrieves the monitoring state of a customer.
func (ms *monitoringStore) Get(ctx context.Context, customerID int64) (*MonitoringState, error) {
	return ms.get(ctx, customerID)
}

// Update applies fn to the stored state under the customer's lock.
func (ms *monitoringStore) Update(ctx context.Context, customerID int64, fn func(*MonitoringState) (bool, error)) (*MonitoringState, error) {
	mu := ms.lockFor(customerID)
	mu.Lock()
	defer mu.Unlock()

	state, err := ms.get(ctx, customerID)
	if errors.Is(err, ErrMonitoringNotFound) {
		state = &MonitoringState{CustomerID: customerID, Phase: PhaseNormal}
	} else if err != nil {
		return nil, err
	}

	write, err := fn(state)
	if err != nil {
		return nil, err
	}
	if !write {
		return state, nil
	}
	state.CustomerID = customerID
	if err := ms.put(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Delete removes the monitoring state of a customer.
func (ms *monitoringStore) Delete(ctx context.Context, customerID int64) error {
	mu := ms.lockFor(customerID)
	mu.Lock()
	defer mu.Unlock()

	if err := ms.ds.Delete(ctx, keys.Monitoring(customerID)); err != nil {
		return fmt.Errorf("failed to delete monitoring state: %w", err)
	}
	return nil
}

// List retrieves every stored monitoring state.
func (ms *monitoringStore) List(ctx context.Context) ([]*MonitoringState, error) {
	q := query.Query{Prefix: keys.MonitoringPrefix().String()}
	results, err := ms.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitoring states: %w", err)
	}
	defer results.Close()

	states := make([]*MonitoringState, 0)
	for result := range results.Next() {
		if result.Error != nil {
			return nil, fmt.Errorf("failed to iterate monitoring states: %w", result.Error)
		}
		if result.Value == nil {
			continue
		}
		state, err := ms.unmarshal(ds.RawKey(result.Key), result.Value)
		if err != nil {
			continue
		}
		states = append(states, state)
	}

	return states, nil
}
