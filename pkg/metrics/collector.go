package metrics

import (
	"time"

	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Collector periodically refreshes gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	err := c.store.View(func(tx storage.Tx) error {
		if err := collectObjects(tx); err != nil {
			return err
		}
		return collectConcerns(tx)
	})
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to collect metrics")
	}
}

func collectObjects(tx storage.Tx) error {
	clusters, err := tx.ListClusters()
	if err != nil {
		return err
	}
	services, err := tx.ListServices(0)
	if err != nil {
		return err
	}
	components, err := tx.ListComponents(0)
	if err != nil {
		return err
	}
	providers, err := tx.ListProviders()
	if err != nil {
		return err
	}
	hosts, err := tx.ListHosts(storage.HostFilter{})
	if err != nil {
		return err
	}

	ObjectsTotal.WithLabelValues(string(types.ObjectCluster)).Set(float64(len(clusters)))
	ObjectsTotal.WithLabelValues(string(types.ObjectService)).Set(float64(len(services)))
	ObjectsTotal.WithLabelValues(string(types.ObjectComponent)).Set(float64(len(components)))
	ObjectsTotal.WithLabelValues(string(types.ObjectProvider)).Set(float64(len(providers)))
	ObjectsTotal.WithLabelValues(string(types.ObjectHost)).Set(float64(len(hosts)))
	return nil
}

func collectConcerns(tx storage.Tx) error {
	concerns, err := tx.ListConcerns(storage.ConcernFilter{})
	if err != nil {
		return err
	}

	ConcernsTotal.Reset()
	for _, c := range concerns {
		ConcernsTotal.WithLabelValues(string(c.Type), string(c.Cause)).Inc()
	}
	return nil
}
