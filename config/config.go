package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"

	miniox "github.com/instill-ai/x/minio"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	Minio         miniox.Config         `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Blob          BlobConfig            `koanf:"blob"`
	Milvus        MilvusConfig          `koanf:"milvus"`
	Embedding     EmbeddingConfig       `koanf:"embedding"`
	Indexing      IndexingConfig        `koanf:"indexing"`
}

// ServerConfig defines the process-level switches.
type ServerConfig struct {
	Debug bool `koanf:"debug"`
	// LeaveConnectorActiveOnInitFailure keeps an ACTIVE cc-pair active when its
	// connector can't be instantiated.
	LeaveConnectorActiveOnInitFailure bool `koanf:"leaveconnectoractiveoninitfailure"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// BlobConfig selects the object storage backend that stages document
// batches between the fetch and process stages.
type BlobConfig struct {
	// Backend is one of "minio" (default), "gcs" or "memory".
	Backend string `koanf:"backend" validate:"omitempty,oneof=minio gcs memory"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an object
// storage backend.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// EmbeddingConfig selects the embedding provider used by the indexing
// pipeline.
type EmbeddingConfig struct {
	// Provider is "openai" (default) or "gemini".
	Provider string `koanf:"provider" validate:"omitempty,oneof=openai gemini"`
	APIKey   string `koanf:"apikey"`
	Model    string `koanf:"model"`
	// Dimension of the vectors. Zero lets OpenAI models use their native
	// width; Gemini needs one of 768, 1536 or 3072.
	Dimension    int `koanf:"dimension"`
	ChunkSize    int `koanf:"chunksize"`
	ChunkOverlap int `koanf:"chunkoverlap"`
	// KeywordIndexPath is the on-disk location of the bleve index. Empty
	// keeps the index in memory. The index belongs to one worker process and
	// isn't shared between replicas.
	KeywordIndexPath string `koanf:"keywordindexpath"`
}

// IndexingConfig holds the knobs of the indexing coordination engine. The
// worker receives a copy at construction time and never reads the global.
type IndexingConfig struct {
	// BatchSize is the number of documents per staged batch.
	BatchSize int `koanf:"batchsize" validate:"gte=0"`
	// BatchBucket is the bucket that holds staged batches.
	BatchBucket string `koanf:"batchbucket"`

	SchedulerInterval     time.Duration `koanf:"schedulerinterval"`
	ValidationInterval    time.Duration `koanf:"validationinterval"`
	HeartbeatInterval     time.Duration `koanf:"heartbeatinterval"`
	HeartbeatTimeout      time.Duration `koanf:"heartbeattimeout"`
	StallTimeout          time.Duration `koanf:"stalltimeout"`
	PollOffset            time.Duration `koanf:"polloffset"`
	CheckpointRetention   time.Duration `koanf:"checkpointretention"`
	CrossBatchLockTimeout time.Duration `koanf:"crossbatchlocktimeout"`

	CheckpointSizeLimit         int `koanf:"checkpointsizelimit"`
	CheckpointSizeCheckInterval int `koanf:"checkpointsizecheckinterval"`
	ValidationErrorThreshold    int `koanf:"validationerrorthreshold"`
	RepeatedErrorThreshold      int `koanf:"repeatederrorthreshold"`
	MaxErrorMessageLength       int `koanf:"maxerrormessagelength"`
	LargeDocumentThreshold      int `koanf:"largedocumentthreshold"`
	DocProcessingParallelism    int `koanf:"docprocessingparallelism"`
}

// Defaults returns a copy of the configuration where every zero-valued field
// is replaced by its default.
func (c IndexingConfig) Defaults() IndexingConfig {
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	setInt := func(i *int, v int) {
		if *i <= 0 {
			*i = v
		}
	}

	setInt(&c.BatchSize, 16)
	if c.BatchBucket == "" {
		c.BatchBucket = "indexing-batches"
	}
	setDuration(&c.SchedulerInterval, 15*time.Second)
	setDuration(&c.ValidationInterval, 60*time.Second)
	setDuration(&c.HeartbeatInterval, 30*time.Second)
	setDuration(&c.HeartbeatTimeout, 30*time.Minute)
	setDuration(&c.StallTimeout, 6*time.Hour)
	setDuration(&c.PollOffset, 30*time.Minute)
	setDuration(&c.CheckpointRetention, 7*24*time.Hour)
	setDuration(&c.CrossBatchLockTimeout, 5*time.Minute)
	setInt(&c.CheckpointSizeLimit, 200*1024*1024)
	setInt(&c.CheckpointSizeCheckInterval, 100)
	setInt(&c.ValidationErrorThreshold, 5)
	setInt(&c.RepeatedErrorThreshold, 5)
	setInt(&c.MaxErrorMessageLength, 1024)
	setInt(&c.LargeDocumentThreshold, 1024*1024)
	setInt(&c.DocProcessingParallelism, 8)

	return c
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"blob.backend":           "minio",
		"database.timezone":      "Etc/UTC",
		"embedding.provider":     "openai",
		"embedding.chunksize":    800,
		"embedding.chunkoverlap": 200,
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	Config.Indexing = Config.Indexing.Defaults()

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
