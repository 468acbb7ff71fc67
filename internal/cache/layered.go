package cache

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// LayeredCache reads through fast layers first and writes to every layer
type LayeredCache struct {
	layers []Cache
}

// NewLayeredCache stacks layers in lookup order (fastest first)
func NewLayeredCache(layers ...Cache) *LayeredCache {
	return &LayeredCache{layers: layers}
}

// Get returns the first hit and promotes it to the faster layers
func (c *LayeredCache) Get(key string) ([]byte, bool) {
	for i, layer := range c.layers {
		val, ok := layer.Get(key)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			_ = c.layers[j].Set(key, val, 0)
		}
		return val, true
	}
	return nil, false
}

func (c *LayeredCache) Set(key string, value []byte, ttl time.Duration) error {
	var result *multierror.Error
	for _, layer := range c.layers {
		if err := layer.Set(key, value, ttl); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *LayeredCache) Delete(key string) error {
	var result *multierror.Error
	for _, layer := range c.layers {
		if err := layer.Delete(key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *LayeredCache) Clear() error {
	var result *multierror.Error
	for _, layer := range c.layers {
		if err := layer.Clear(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
