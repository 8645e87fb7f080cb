package config

import (
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the VENDO_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "VENDO_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "VENDO_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "VENDO_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "VENDO_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "VENDO_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "VENDO_ENVIRONMENT")

	setIfEnv(&c.Storage.Backend, "VENDO_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "VENDO_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "VENDO_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "VENDO_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "VENDO_FILE_PATH")

	setIfEnv(&c.Sources.SubVendoKey, "VENDO_SUB_VENDO_KEY")

	setIfEnv(&c.Policy.Iface, "VENDO_POLICY_IFACE")

	setIfEnv(&c.Notify.WebhookURL, "VENDO_NOTIFY_WEBHOOK_URL")
	setBoolIfEnv(&c.Notify.Enabled, "VENDO_NOTIFY_ENABLED")

	// Operator webhook headers (VENDO_NOTIFY_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "VENDO_NOTIFY_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "VENDO_NOTIFY_HEADER_")
		if name == "" {
			continue
		}
		if c.Notify.Headers == nil {
			c.Notify.Headers = make(map[string]string)
		}
		c.Notify.Headers[headerCase(name)] = parts[1]
	}
}

// setIfEnv sets a string pointer from an environment variable.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures a route prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}

// headerCase turns FOO_BAR into Foo-Bar, matching standard HTTP header casing.
func headerCase(name string) string {
	parts := strings.Split(strings.ToLower(name), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
