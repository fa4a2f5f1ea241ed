package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver"

	"github.com/camkit/camlink/core/logx"
)

// catalogueMethod is the operation every service answers with its own method
// catalogue, regardless of device state.
var catalogueMethod = Descriptor{Name: "getMethodTypes", Version: "1.0"}

// catalogueEntry is one operation as advertised by a service.
type catalogueEntry struct {
	Name     string   `json:"name"`
	ID       int      `json:"id"`
	Versions []string `json:"versions"`
}

// Registry resolves operation names to fully qualified descriptors using the
// method catalogues the device advertises per service. Catalogues are fetched
// lazily, once per service, and cached for the lifetime of the session; call
// Refresh to re-query. Safe for concurrent use.
type Registry struct {
	inv      *Invoker
	services []string

	mu        sync.Mutex
	catalogue map[string]map[string]catalogueEntry
}

// NewRegistry returns a registry over the given services, in lookup order.
func NewRegistry(inv *Invoker, services ...string) *Registry {
	if len(services) == 0 {
		services = []string{ServiceCamera, ServiceAVContent, ServiceSystem}
	}
	return &Registry{
		inv:       inv,
		services:  services,
		catalogue: make(map[string]map[string]catalogueEntry),
	}
}

// ResolveOptions disambiguate a resolution. Zero values mean "no preference".
type ResolveOptions struct {
	// Service pins the operation to one named channel. Required when more
	// than one service exposes the name.
	Service string
	// Version pins the protocol version. Defaults to the highest advertised.
	Version string
}

// Resolve maps an operation name to a descriptor. It fails with
// ErrUnknownOperation when no service advertises the name (or the pinned
// version is not advertised) and with ErrAmbiguousOperation when several
// services do and no Service option narrows the choice.
func (r *Registry) Resolve(ctx context.Context, name string, opts ResolveOptions) (Descriptor, error) {
	services := r.services
	if opts.Service != "" {
		services = []string{opts.Service}
	}

	var matches []string
	for _, svc := range services {
		cat, err := r.serviceCatalogue(ctx, svc)
		if err != nil {
			return Descriptor{}, err
		}
		if _, ok := cat[name]; ok {
			matches = append(matches, svc)
		}
	}
	switch len(matches) {
	case 0:
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	case 1:
	default:
		return Descriptor{}, fmt.Errorf("%w: %q on %s", ErrAmbiguousOperation, name, strings.Join(matches, ", "))
	}
	svc := matches[0]

	r.mu.Lock()
	entry := r.catalogue[svc][name]
	r.mu.Unlock()

	version, err := pickVersion(entry.Versions, opts.Version)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %q version %q", ErrUnknownOperation, name, opts.Version)
	}
	return Descriptor{Name: name, Service: svc, ID: entry.ID, Version: version}, nil
}

// Refresh discards the cached catalogue for one service and re-queries it.
func (r *Registry) Refresh(ctx context.Context, service string) error {
	r.mu.Lock()
	delete(r.catalogue, service)
	r.mu.Unlock()
	_, err := r.serviceCatalogue(ctx, service)
	return err
}

func (r *Registry) serviceCatalogue(ctx context.Context, service string) (map[string]catalogueEntry, error) {
	r.mu.Lock()
	if cat, ok := r.catalogue[service]; ok {
		r.mu.Unlock()
		return cat, nil
	}
	r.mu.Unlock()

	d := catalogueMethod
	d.Service = service
	resp, err := r.inv.Invoke(ctx, d, []any{""}, Immediate)
	if err != nil {
		return nil, err
	}

	cat := make(map[string]catalogueEntry, len(resp.Result))
	for i := range resp.Result {
		var entry catalogueEntry
		if err := resp.Scan(i, &entry); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("malformed catalogue entry for %s: %w", service, err)}
		}
		cat[entry.Name] = entry
	}
	logx.Log.Debug().Str("service", service).Int("operations", len(cat)).Msg("method catalogue loaded")

	r.mu.Lock()
	r.catalogue[service] = cat
	r.mu.Unlock()
	return cat, nil
}

// pickVersion selects the pinned version when given, otherwise the highest
// advertised one. Catalogue versions are short forms like "1.0"; semver
// parses those with minor and patch optional.
func pickVersion(advertised []string, pinned string) (string, error) {
	if len(advertised) == 0 {
		advertised = []string{"1.0"}
	}
	if pinned != "" {
		for _, v := range advertised {
			if v == pinned {
				return v, nil
			}
		}
		return "", fmt.Errorf("version %q not advertised", pinned)
	}
	best, bestVer := advertised[0], parseVersion(advertised[0])
	for _, v := range advertised[1:] {
		sv := parseVersion(v)
		switch {
		case sv != nil && bestVer != nil:
			if sv.GreaterThan(bestVer) {
				best, bestVer = v, sv
			}
		case sv != nil:
			// A parseable version beats a loose string.
			best, bestVer = v, sv
		case bestVer == nil && v > best:
			best = v
		}
	}
	return best, nil
}

// parseVersion is tolerant of the loose version strings some firmwares ship;
// an unparseable one returns nil and is ordered last by pickVersion.
func parseVersion(s string) *semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil
	}
	return v
}
