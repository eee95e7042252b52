package spire

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SchemaEntry describes one resource type for an API version.
type SchemaEntry struct {
	MediaType string `json:"mediaType"`
}

// Descriptor is the discovery document served at the service root.
type Descriptor struct {
	URL       string                            `json:"url"`
	Resources map[string]Ref                    `json:"resources"`
	Schema    map[string]map[string]SchemaEntry `json:"schema"`
}

// Resource returns the named top level collection.
func (d *Descriptor) Resource(name string) (Ref, bool) {
	ref, ok := d.Resources[name]
	return ref, ok && ref.URL != ""
}

// MediaType returns the media type of a resource for version, falling back to
// the service's naming convention when the schema omits it.
func (d *Descriptor) MediaType(version, name string) string {
	if entry, ok := d.Schema[version][name]; ok && entry.MediaType != "" {
		return entry.MediaType
	}
	return fmt.Sprintf("application/vnd.spire-io.%s+json;version=%s", name, version)
}

const discoveryRetries = 2

// discovery fetches the descriptor once per client and keeps it for the
// client's lifetime. The backing cache lets clients sharing a store skip the
// fetch entirely.
type discovery struct {
	url   string
	wire  *wire
	store cache.Cache
	lg    *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	desc  *Descriptor
}

func newDiscovery(url string, w *wire, store cache.Cache, lg *zap.Logger) *discovery {
	return &discovery{url: url, wire: w, store: store, lg: lg}
}

func (d *discovery) cacheKey() string {
	return "spire:discovery:" + d.url
}

// Get returns the descriptor, fetching it on first use.
func (d *discovery) Get(ctx context.Context) (*Descriptor, error) {
	d.mu.RLock()
	desc := d.desc
	d.mu.RUnlock()
	if desc != nil {
		return desc, nil
	}

	v, err, _ := d.group.Do(d.url, func() (any, error) {
		d.mu.RLock()
		desc := d.desc
		d.mu.RUnlock()
		if desc != nil {
			return desc, nil
		}

		desc, err := d.load(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.desc = desc
		d.mu.Unlock()
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

func (d *discovery) load(ctx context.Context) (*Descriptor, error) {
	if d.store != nil {
		if cached, err := cache.GetTyped[Descriptor](ctx, d.store, d.cacheKey()); err == nil {
			if _, ok := cached.Resource("sessions"); ok {
				return &cached, nil
			}
		}
	}

	var desc Descriptor
	_, err := d.wire.do(ctx, call{
		method:  http.MethodGet,
		url:     d.url,
		accept:  "application/json",
		retries: discoveryRetries,
		failure: ErrDiscovery,
	}, &desc)
	if err != nil {
		return nil, err
	}
	if _, ok := desc.Resource("sessions"); !ok {
		return nil, errors.Wrap(ErrDiscovery, fmt.Errorf("discovery document has no sessions resource"))
	}

	if d.store != nil {
		// the descriptor is immutable for a service root, so it never expires
		if err := cache.SetTyped(ctx, d.store, d.cacheKey(), desc, 0); err != nil {
			d.lg.Warn("failed to cache discovery document", zap.Error(err), zap.String("url", d.url))
		}
	}
	d.lg.Debug("discovery document loaded", zap.String("url", d.url), zap.Int("resources", len(desc.Resources)))
	return &desc, nil
}
