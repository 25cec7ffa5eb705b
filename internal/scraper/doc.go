// Package scraper defines the backend-agnostic contract shared by the plugin
// host, its backends, and the scheduler: normalized result types, the Backend
// capability interface, and the PluginError taxonomy.
package scraper
