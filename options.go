package annai

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	karmaSource     KarmaSource
	eventHooks      []EventHook
	seedClients     map[string]string
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (ANNAI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithKarmaSource replaces the built-in Karma reputation client.
// Only the last call wins.
func WithKarmaSource(s KarmaSource) Option {
	return func(o *resolvedOptions) { o.karmaSource = s }
}

// WithEventHook registers a hook that receives every recorded decision.
// Multiple hooks may be registered; all receive every decision.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithSeedClient registers an additional API client at startup, alongside
// the bootstrap admin from ANNAI_ADMIN_API_KEY.
func WithSeedClient(clientID, apiKey string) Option {
	return func(o *resolvedOptions) {
		if o.seedClients == nil {
			o.seedClients = make(map[string]string)
		}
		o.seedClients[clientID] = apiKey
	}
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
