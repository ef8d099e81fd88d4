package config

// Config is the top-level YAML structure.
type Config struct {
	Version      string           `yaml:"version" json:"version"`
	Engine       EngineConf       `yaml:"engine" json:"engine"`
	Store        StoreConf        `yaml:"store" json:"store"`
	Log          LogConf          `yaml:"log" json:"log"`
	Tracing      TracingConf      `yaml:"tracing" json:"tracing"`
	Cache        CacheConf        `yaml:"cache" json:"cache"`
	Sources      SourcesConf      `yaml:"sources" json:"sources"`
	Parsers      []ParserDef      `yaml:"parsers" json:"parsers"`
	Snapshotters []SnapshotterDef `yaml:"snapshotters" json:"snapshotters"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	Workers    int `yaml:"workers" json:"workers"`
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
	TimeoutMs  int `yaml:"timeout_ms" json:"timeout_ms"`
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// StoreConf selects the storage backend. It is read once at startup.
type StoreConf struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

type LogConf struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

type TracingConf struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// CacheConf enables the Redis snapshot cache when RedisAddr is set.
type CacheConf struct {
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"`
}

type SourcesConf struct {
	Kafka *KafkaConf `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	NATS  *NATSConf  `yaml:"nats,omitempty" json:"nats,omitempty"`
}

type KafkaConf struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	GroupID string   `yaml:"group_id" json:"group_id"`
	Topics  []string `yaml:"topics" json:"topics"`
}

type NATSConf struct {
	URL      string   `yaml:"url" json:"url"`
	Stream   string   `yaml:"stream" json:"stream"`
	Durable  string   `yaml:"durable" json:"durable"`
	Subjects []string `yaml:"subjects" json:"subjects"`
}

// ParserDef registers one parser. Order matters: the first parser whose
// topic pattern matches wins.
type ParserDef struct {
	ID      string `yaml:"id" json:"id"`
	Type    string `yaml:"type" json:"type"`
	Topic   string `yaml:"topic" json:"topic"`
	IDField string `yaml:"id_field" json:"id_field,omitempty"`
}

// SnapshotterDef configures one snapshotter. Enabled defaults to true.
type SnapshotterDef struct {
	ID      string `yaml:"id" json:"id"`
	Type    string `yaml:"type" json:"type"`
	Field   string `yaml:"field" json:"field,omitempty"`
	When    string `yaml:"when" json:"when,omitempty"`
	Enabled *bool  `yaml:"enabled" json:"enabled,omitempty"`
}

func (d SnapshotterDef) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }
