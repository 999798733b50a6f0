// Package plugins provides the plugin command registry.
//
// Commands are resolved by the (plugin id, command) pair and invoked through
// the ports.PluginInvoker interface. Handlers signal that a failure must not
// be retried by wrapping it with Permanent.
package plugins
