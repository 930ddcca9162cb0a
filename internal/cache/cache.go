package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"meterdash/internal/models"
	"meterdash/internal/source"
)

var ErrUnknownDevice = errors.New("unknown device")

type Loader interface {
	Load(spec source.Spec) (source.Table, error)
}

type Normalizer interface {
	Normalize(deviceID string, t source.Table) []models.Reading
}

// Cache holds the normalized series of every configured device. A series is
// loaded on first access and kept for the life of the process; failed loads
// are not cached.
type Cache struct {
	specs  map[string]source.Spec
	order  []string
	loader Loader
	norm   Normalizer
	log    *slog.Logger

	// OnLoad, when set, observes every attempted source load.
	OnLoad func(deviceID string, readings int, err error)

	group  singleflight.Group
	mu     sync.RWMutex
	series map[string][]models.Reading
}

func New(devices []source.Spec, loader Loader, norm Normalizer, logger *slog.Logger) *Cache {
	c := &Cache{
		specs:  make(map[string]source.Spec, len(devices)),
		loader: loader,
		norm:   norm,
		log:    logger,
		series: map[string][]models.Reading{},
	}
	for _, d := range devices {
		if _, dup := c.specs[d.ID]; dup {
			continue
		}
		c.specs[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c
}

// Devices lists the configured device ids in configuration order.
func (c *Cache) Devices() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Cache) Spec(deviceID string) (source.Spec, bool) {
	s, ok := c.specs[deviceID]
	return s, ok
}

// Load returns the device series. Repeated calls return the same slice,
// which callers must treat as read-only. Concurrent first loads of one
// device share a single parse; different devices load independently.
func (c *Cache) Load(deviceID string) ([]models.Reading, error) {
	spec, ok := c.specs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	c.mu.RLock()
	s, hit := c.series[deviceID]
	c.mu.RUnlock()
	if hit {
		return s, nil
	}

	v, err, _ := c.group.Do(deviceID, func() (any, error) {
		c.mu.RLock()
		s, hit := c.series[deviceID]
		c.mu.RUnlock()
		if hit {
			return s, nil
		}
		tbl, err := c.loader.Load(spec)
		if err != nil {
			c.observe(deviceID, 0, err)
			return nil, err
		}
		readings := c.norm.Normalize(deviceID, tbl)
		c.mu.Lock()
		c.series[deviceID] = readings
		c.mu.Unlock()
		c.observe(deviceID, len(readings), nil)
		c.log.Info("device series loaded", "device", deviceID, "path", tbl.Path, "rows", len(tbl.Rows), "readings", len(readings))
		return readings, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Reading), nil
}

func (c *Cache) observe(deviceID string, n int, err error) {
	if err != nil {
		c.log.Warn("device series load failed", "device", deviceID, "err", err)
	}
	if c.OnLoad != nil {
		c.OnLoad(deviceID, n, err)
	}
}
