package apikey

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/keywarden/keywarden/pkg/observability"
)

// Core scope tokens. "admin" implies every other scope.
const (
	ScopeAdmin  = "admin"
	ScopeRead   = "read"
	ScopeWrite  = "write"
	ScopeDelete = "delete"
)

// coreModule owns the built-in scope vocabulary
const coreModule = "core"

// ResourceScopes maps a logical resource name to its {read,write,delete}
// scope triple, e.g. "orders" -> ("orders:read", "orders:write", "orders:delete")
func ResourceScopes(resource string) (read, write, del string) {
	return resource + ":read", resource + ":write", resource + ":delete"
}

// ScopeRegistry is the open capability vocabulary: a mapping from scope
// token to the module that registered it. Business modules extend the
// vocabulary at startup (or via the registry file) without changes here;
// issuance validates requested scopes against the registry.
type ScopeRegistry struct {
	mu     sync.RWMutex
	scopes map[string]string // token -> owning module
}

// NewScopeRegistry creates a registry seeded with the core scopes
func NewScopeRegistry() *ScopeRegistry {
	r := &ScopeRegistry{
		scopes: make(map[string]string),
	}
	for _, s := range []string{ScopeAdmin, ScopeRead, ScopeWrite, ScopeDelete} {
		r.scopes[s] = coreModule
	}
	return r
}

// Register adds scope tokens on behalf of a module. Re-registering a token
// already owned by another module is an error; re-registering by the same
// module is a no-op.
func (r *ScopeRegistry) Register(module string, tokens ...string) error {
	if module == "" {
		return fmt.Errorf("module name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return fmt.Errorf("empty scope token for module %q", module)
		}
		if owner, ok := r.scopes[tok]; ok && owner != module {
			return fmt.Errorf("scope %q already registered by module %q", tok, owner)
		}
		r.scopes[tok] = module
	}
	return nil
}

// RegisterResource registers the {read,write,delete} triple for a resource
func (r *ScopeRegistry) RegisterResource(module, resource string) error {
	read, write, del := ResourceScopes(resource)
	return r.Register(module, read, write, del)
}

// Recognized reports whether a scope token is in the vocabulary
func (r *ScopeRegistry) Recognized(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scopes[token]
	return ok
}

// Tokens returns the full vocabulary, sorted
func (r *ScopeRegistry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.scopes))
	for tok := range r.scopes {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// registryFile is the on-disk registry format:
//
//	modules:
//	  - name: billing
//	    scopes: [billing:read, billing:write]
type registryFile struct {
	Modules []struct {
		Name   string   `yaml:"name"`
		Scopes []string `yaml:"scopes"`
	} `yaml:"modules"`
}

// LoadFile merges scope registrations from a YAML registry file
func (r *ScopeRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scope registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse scope registry file: %w", err)
	}

	for _, m := range file.Modules {
		if err := r.Register(m.Name, m.Scopes...); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads the registry file whenever it changes, until ctx is done.
// Reload failures are logged and skipped; the previous vocabulary stays
// in effect. Registrations are additive, so a reload never removes tokens
// from keys already issued.
func (r *ScopeRegistry) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					logger.WithError(err).Warn("scope registry reload failed; keeping previous vocabulary")
					continue
				}
				logger.WithField("path", path).Info("scope registry reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("scope registry watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
