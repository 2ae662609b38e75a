package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type KafkaCfg struct {
	Brokers          string // comma-separated; empty disables every kafka subsystem
	LookupTopic      string
	MaintenanceTopic string
	MaintenanceGroup string
}

func (k KafkaCfg) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type GeoNamesCfg struct {
	Dir        string
	CitiesFile string
	LoadAdmin1 bool
	LoadAdmin2 bool
	H3Res      int
	MaxRings   int
}

type Config struct {
	Addr        string
	MetricsAddr string // standalone metrics listener; empty keeps /metrics on Addr only
	LogLevel    string
	LogConsole  bool
	LogSampleN  int

	StoreDriver    string
	StoreOpTimeout time.Duration // guard on cache calls inside resolve

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	RedisPoolSize  int

	SQLitePath string

	ResolverDriver string
	GeoNames       GeoNamesCfg
	RemoteURL      string
	RemoteTimeout  time.Duration

	BatchMax        int
	EvictDefaultAge int // days, for DELETE requests that omit daysOld
	ShutdownTimeout time.Duration

	Kafka KafkaCfg
}

func FromEnv() Config {
	h3res := getint("GEONAMES_H3_RES", 5)
	if h3res < 0 {
		h3res = 0
	}
	if h3res > 15 {
		h3res = 15
	}

	rings := getint("GEONAMES_MAX_RINGS", 4)
	if rings < 1 {
		rings = 1
	}

	batchMax := getint("BATCH_MAX", 100)
	if batchMax < 1 {
		batchMax = 1
	}

	evictAge := getint("EVICT_DEFAULT_AGE_DAYS", 90)
	if evictAge < 0 {
		evictAge = 90
	}

	return Config{
		Addr:        getenv("ADDR", ":8080"),
		MetricsAddr: getenv("METRICS_ADDR", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogConsole:  getbool("LOG_CONSOLE", false),
		LogSampleN:  getint("LOG_SAMPLE_N", 0),

		StoreDriver:    getenv("STORE_DRIVER", "redis"),
		StoreOpTimeout: getduration("STORE_OP_TIMEOUT", 250*time.Millisecond),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getint("REDIS_DB", 0),
		RedisKeyPrefix: getenv("REDIS_KEY_PREFIX", "placecache:"),
		RedisPoolSize:  getint("REDIS_POOL_SIZE", 0),

		SQLitePath: getenv("SQLITE_PATH", "placecache.db"),

		ResolverDriver: getenv("RESOLVER_DRIVER", "geonames"),
		GeoNames: GeoNamesCfg{
			Dir:        getenv("GEONAMES_DIR", "data/geonames"),
			CitiesFile: getenv("GEONAMES_CITIES_FILE", "cities1000.txt"),
			LoadAdmin1: getbool("GEONAMES_LOAD_ADMIN1", true),
			LoadAdmin2: getbool("GEONAMES_LOAD_ADMIN2", true),
			H3Res:      h3res,
			MaxRings:   rings,
		},
		RemoteURL:     getenv("REMOTE_RESOLVER_URL", ""),
		RemoteTimeout: getduration("REMOTE_RESOLVER_TIMEOUT", 5*time.Second),

		BatchMax:        batchMax,
		EvictDefaultAge: evictAge,
		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),

		Kafka: KafkaCfg{
			Brokers:          getenv("KAFKA_BROKERS", ""),
			LookupTopic:      getenv("LOOKUP_EVENTS_TOPIC", "placecache.lookups"),
			MaintenanceTopic: getenv("MAINTENANCE_TOPIC", "placecache.maintenance"),
			MaintenanceGroup: getenv("MAINTENANCE_GROUP", "placecache-maintainer"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
