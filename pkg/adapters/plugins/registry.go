package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrCommandNotFound is returned when no handler is registered for a command
var ErrCommandNotFound = errors.New("plugin command not found")

// CommandFunc executes a plugin command
type CommandFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// CommandKey identifies a command by plugin id and method name
type CommandKey struct {
	PluginID string
	Command  string
}

func (k CommandKey) String() string {
	return k.PluginID + "." + k.Command
}

// Registry maps (plugin id, command) pairs to handlers
type Registry struct {
	mu       sync.RWMutex
	commands map[CommandKey]CommandFunc
	logger   *zap.Logger
}

// NewRegistry creates an empty command registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		commands: make(map[CommandKey]CommandFunc),
		logger:   logger,
	}
}

// Register adds a handler. Registering the same key twice is an error.
func (r *Registry) Register(pluginID, command string, fn CommandFunc) error {
	if pluginID == "" || command == "" {
		return fmt.Errorf("plugin ID and command are required")
	}
	if fn == nil {
		return fmt.Errorf("handler for %s.%s is nil", pluginID, command)
	}

	key := CommandKey{PluginID: pluginID, Command: command}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[key]; exists {
		return fmt.Errorf("command already registered: %s", key)
	}
	r.commands[key] = fn

	r.logger.Debug("plugin command registered",
		zap.String("plugin_id", pluginID),
		zap.String("command", command))
	return nil
}

// MustRegister is Register that panics on error
func (r *Registry) MustRegister(pluginID, command string, fn CommandFunc) {
	if err := r.Register(pluginID, command, fn); err != nil {
		panic(err)
	}
}

// Unregister removes a handler
func (r *Registry) Unregister(pluginID, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, CommandKey{PluginID: pluginID, Command: command})
}

// Commands lists registered commands sorted by key
func (r *Registry) Commands() []CommandKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]CommandKey, 0, len(r.commands))
	for k := range r.commands {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Invoke implements ports.PluginInvoker
func (r *Registry) Invoke(ctx context.Context, pluginID, command string, params map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	fn, ok := r.commands[CommandKey{PluginID: pluginID, Command: command}]
	r.mu.RUnlock()

	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s.%s", ErrCommandNotFound, pluginID, command))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, params)
}
