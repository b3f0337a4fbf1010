package manager

import (
	"sync"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

type statusKey struct {
	hostID      int64
	componentID int64
}

// StatusMap keeps the statuses posted by the status aggregator. Values are
// opaque to the control plane; they are only surfaced back.
type StatusMap struct {
	mu     sync.RWMutex
	values map[statusKey]int
}

// NewStatusMap creates an empty status map
func NewStatusMap() *StatusMap {
	return &StatusMap{values: make(map[statusKey]int)}
}

func (s *StatusMap) set(k statusKey, v int) {
	s.mu.Lock()
	s.values[k] = v
	s.mu.Unlock()
}

func (s *StatusMap) get(k statusKey) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[k]
	return v, ok
}

// SetHostStatus records the status of a host
func (m *Manager) SetHostStatus(hostID int64, status int) error {
	if err := m.store.View(func(tx storage.Tx) error {
		_, err := tx.GetHost(hostID)
		return err
	}); err != nil {
		return err
	}
	m.status.set(statusKey{hostID: hostID}, status)
	m.publishStatus(types.Ref(types.ObjectHost, hostID), map[string]any{"status": status})
	return nil
}

// SetHostComponentStatus records the status of a component on a host
func (m *Manager) SetHostComponentStatus(hostID, componentID int64, status int) error {
	err := m.store.View(func(tx storage.Tx) error {
		host, err := tx.GetHost(hostID)
		if err != nil {
			return err
		}
		hc, err := tx.ListHostComponents(host.ClusterID)
		if err != nil {
			return err
		}
		for _, e := range hc {
			if e.HostID == hostID && e.ComponentID == componentID {
				return nil
			}
		}
		return adcmerr.New(adcmerr.ComponentNotFound, "component %d is not mapped on host %s", componentID, host.FQDN)
	})
	if err != nil {
		return err
	}
	m.status.set(statusKey{hostID: hostID, componentID: componentID}, status)
	m.publishStatus(types.Ref(types.ObjectHost, hostID), map[string]any{"status": status, "component_id": componentID})
	return nil
}

// GetStatus returns the last status posted for a host, or for a component
// on that host when componentID is not zero
func (m *Manager) GetStatus(hostID, componentID int64) (int, bool) {
	return m.status.get(statusKey{hostID: hostID, componentID: componentID})
}

func (m *Manager) publishStatus(ref types.ObjectRef, details map[string]any) {
	batch := &events.Batch{}
	batch.Add(events.EventStatus, ref, details)
	batch.Flush(m)
}
