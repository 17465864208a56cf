package agent

import (
	"fmt"
)

// namespace assigns unique instance names for one cycle. A name is the block
// key, the instance's configured name (or "unnamed"), and the first unused
// integer suffix. As long as block order and content stay stable across
// cycles, an instance keeps its name, which keys all carried state.
type namespace struct {
	used  map[string]struct{}
	names []string
}

func newNamespace() *namespace {
	return &namespace{used: make(map[string]struct{})}
}

// assign reserves and returns the instance name for one config block element.
func (n *namespace) assign(blockKey string, settings map[string]any) string {
	base := fmt.Sprintf("%s:%s", blockKey, settingsName(settings))
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s:%d", base, i)
		if _, taken := n.used[candidate]; !taken {
			n.used[candidate] = struct{}{}
			n.names = append(n.names, candidate)
			return candidate
		}
	}
}

// active returns the set of names assigned this cycle.
func (n *namespace) active() map[string]struct{} {
	return n.used
}

// ordered returns the names in assignment order.
func (n *namespace) ordered() []string {
	return n.names
}

// settingsName extracts the per-instance name field, falling back to
// "unnamed" when missing or empty.
func settingsName(settings map[string]any) string {
	v, ok := settings["name"]
	if !ok || v == nil {
		return "unnamed"
	}
	name := fmt.Sprint(v)
	if name == "" {
		return "unnamed"
	}
	return name
}
