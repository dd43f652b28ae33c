package backends

import (
	"sync"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// Factory instantiates a backend for one offering from its settings and
// components maps.
type Factory func(settings map[string]interface{}, components map[string]types.BackendComponent) (Backend, error)

// UsernameFactory instantiates a username management backend.
type UsernameFactory func(settings map[string]interface{}) (UsernameManager, error)

var (
	registryMu        sync.RWMutex
	backendFactories  = map[string]Factory{}
	usernameFactories = map[string]UsernameFactory{}
)

// Register adds a resource backend factory under a tag. Backend packages
// call this from init; later registrations overwrite earlier ones.
func Register(tag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendFactories[tag] = factory
}

// RegisterUsernameManager adds a username management factory under a tag.
func RegisterUsernameManager(tag string, factory UsernameFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	usernameFactories[tag] = factory
}

// RegisteredTags lists the known resource backend tags.
func RegisteredTags() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(backendFactories))
	for tag := range backendFactories {
		tags = append(tags, tag)
	}
	return tags
}

// New instantiates the backend registered under tag for one offering. An
// unknown tag resolves to a no-op backend that logs and rejects all
// operations, so a misconfigured offering degrades instead of crashing
// the whole agent.
func New(tag string, settings map[string]interface{}, components map[string]types.BackendComponent) (Backend, error) {
	registryMu.RLock()
	factory, ok := backendFactories[tag]
	registryMu.RUnlock()

	if !ok {
		logger := log.WithComponent("backend-registry")
		logger.Warn().
			Str("backend_type", tag).
			Msg("unknown backend type, falling back to noop backend")
		return newNoopBackend(tag), nil
	}
	return factory(settings, components)
}

// NewUsernameManager instantiates the username backend registered under
// tag, or the profile-derived local manager when the tag is empty or
// unknown.
func NewUsernameManager(tag string, settings map[string]interface{}) (UsernameManager, error) {
	if tag == "" {
		return localUsernameManager{}, nil
	}

	registryMu.RLock()
	factory, ok := usernameFactories[tag]
	registryMu.RUnlock()

	if !ok {
		logger := log.WithComponent("backend-registry")
		logger.Warn().
			Str("username_backend", tag).
			Msg("unknown username management backend, using local generation")
		return localUsernameManager{}, nil
	}
	return factory(settings)
}
