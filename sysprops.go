// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import "sync"

// allowedSystemProperties are the non-sensitive keys every module's
// filtered view exposes unconditionally, spec §4.8 "a fixed allow-list of
// non-sensitive keys (java.version, os.name, file/path/line separators,
// native/stdout/stderr encoding, etc.)". Anything else is visible only
// once the caller's own view sets it (SetProperty), never inherited from
// the real system properties.
var allowedSystemProperties = map[string]bool{
	"java.version":               true,
	"java.vendor":                true,
	"java.vendor.version":        true,
	"java.specification.version": true,
	"java.vm.name":               true,
	"java.vm.version":            true,
	"java.class.version":         true,
	"os.name":                    true,
	"os.version":                 true,
	"os.arch":                    true,
	"file.separator":             true,
	"path.separator":             true,
	"line.separator":             true,
	"native.encoding":            true,
	"stdout.encoding":            true,
	"stderr.encoding":            true,
	"file.encoding":              true,
}

// FilteredProperties is one caller module's private, filtered view of the
// system properties, spec §4.8. Reads of an allow-listed key not yet
// overridden fall through to the real value captured at materialization;
// writes only ever affect this view.
type FilteredProperties struct {
	mu     sync.RWMutex
	values map[string]string
}

func newFilteredProperties(real map[string]string) *FilteredProperties {
	values := make(map[string]string, len(allowedSystemProperties))
	for k := range allowedSystemProperties {
		if v, ok := real[k]; ok {
			values[k] = v
		}
	}
	return &FilteredProperties{values: values}
}

// Get returns the caller's view of key and whether it is set.
func (p *FilteredProperties) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set overrides key in this caller's view only.
func (p *FilteredProperties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Clear removes key from this caller's view.
func (p *FilteredProperties) Clear(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

// Snapshot returns a defensive copy of every key currently visible to this
// caller, backing getProperties().
func (p *FilteredProperties) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// PropertiesRegistry is the weak mapping from caller module to its
// FilteredProperties, spec §4.8 "Storage: a weak mapping from caller
// module to Properties, guarded by a single monitor for the lookup." As
// with the reflection oracle's decision cache, the module key here is a
// plain string identifier rather than a live object reference, so a
// regular mutex-guarded map already gives the only behavior a weak map
// would add (no leak across the lifetime of a fixed, small module set);
// see DESIGN.md.
type PropertiesRegistry struct {
	mu       sync.Mutex
	byModule map[string]*FilteredProperties
	source   func() map[string]string
}

// NewPropertiesRegistry builds a registry that materializes each module's
// first view from source(), the real system properties. source is
// injectable so tests can supply a fixed snapshot instead of the running
// JVM's actual properties.
func NewPropertiesRegistry(source func() map[string]string) *PropertiesRegistry {
	return &PropertiesRegistry{byModule: make(map[string]*FilteredProperties), source: source}
}

// ForModule returns callerModule's filtered view, materializing it from
// the real system properties on first access and reusing it afterward.
func (r *PropertiesRegistry) ForModule(callerModule string) *FilteredProperties {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byModule[callerModule]; ok {
		return p
	}
	p := newFilteredProperties(r.source())
	r.byModule[callerModule] = p
	return p
}
