package mysql

const defaultTable = "beacon_kv"

// Config defines MySQL storage behavior.
type Config struct {
	Table string
	// CreateSchema runs Schema when the store is constructed.
	CreateSchema bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the key/value table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithCreateSchema creates the table if it does not exist.
func WithCreateSchema() Option {
	return func(c *Config) {
		c.CreateSchema = true
	}
}
