package integration

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,31}$`)

// Registry は連携名をキーにアダプタを保持する。
// 登録時に名前の形式と重複を検証するため、参照時に未知の名前が紛れ込むことはない。
// 名前の照合は大文字小文字を区別しない（"GitHub" と "github" は同じ連携）。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry はアダプタを登録したRegistryを生成する。
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register はアダプタを登録する。
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("nil adapter")
	}
	name := a.Name()
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid integration name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIntegration, name)
	}
	r.adapters[key] = a
	return nil
}

// Lookup は連携名に対応するアダプタを返す。
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, name)
	}
	return a, nil
}

// Has は連携名が登録済みかを返す。
func (r *Registry) Has(name string) bool {
	_, ok := r.Canonical(name)
	return ok
}

// Canonical はアダプタが名乗る正式な連携名を返す。
// 同期状態やメトリクスのキーは常にこの名前で保存する。
func (r *Registry) Canonical(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return a.Name(), true
}

// Names は登録済みの連携名を昇順で返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}
