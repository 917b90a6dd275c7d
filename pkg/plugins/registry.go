package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPluginNotFound is returned when no plugin is registered under a name
var ErrPluginNotFound = errors.New("payment plugin not found")

// Registry holds the payment plugins available to the processor
type Registry struct {
	plugins     map[string]PaymentPlugin
	defaultName string
	mu          sync.RWMutex
	log         *logrus.Logger
}

// NewRegistry creates an empty registry. defaultName is used for accounts that do not
// name a provider.
func NewRegistry(defaultName string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}

	return &Registry{
		plugins:     make(map[string]PaymentPlugin),
		defaultName: defaultName,
		log:         log,
	}
}

// Register adds a plugin to the registry
func (r *Registry) Register(plugin PaymentPlugin) error {
	if plugin == nil {
		return fmt.Errorf("cannot register nil plugin")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := plugin.Name()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin already registered: %s", name)
	}

	r.plugins[name] = plugin
	r.log.WithField("plugin", name).Info("Registered payment plugin")
	return nil
}

// Unregister removes a plugin from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	delete(r.plugins, name)
	return nil
}

// Get retrieves a plugin by name
func (r *Registry) Get(name string) (PaymentPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, exists := r.plugins[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	return plugin, nil
}

// Resolve returns the plugin for an account's provider name, falling back to the
// default plugin when the name is empty.
func (r *Registry) Resolve(providerName string) (PaymentPlugin, error) {
	if providerName == "" {
		providerName = r.defaultName
	}
	return r.Get(providerName)
}

// Has checks if a plugin is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.plugins[name]
	return exists
}

// Names returns registered plugin names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
