package probe

import "github.com/roach88/canary/internal/backend"

func backendHealth(status string, components map[string]string) backend.Health {
	h := backend.Health{Status: status, Components: make(map[string]backend.ComponentHealth)}
	for name, s := range components {
		h.Components[name] = backend.ComponentHealth{Status: s}
	}
	return h
}
