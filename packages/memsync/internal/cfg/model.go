package cfg

import (
	"errors"
	"fmt"
	"math/bits"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/e2b-dev/memsync/packages/memsync/internal/signature"
)

const (
	RoleMaster = "master"
	RoleClient = "client"
)

// Address is a memory address, written in hexadecimal with or without the 0x prefix.
type Address uint64

func ParseAddress(s string) (any, error) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}

	return Address(addr), nil
}

type DiscoveryConfig struct {
	TargetModules          []string `env:"TARGET_MODULES"            envDefault:"game,main,engine"`
	MaxHeuristicRegionSize uint64   `env:"MAX_HEURISTIC_REGION_SIZE" envDefault:"1048576"`
	// CriticalAddresses are always monitored, in addition to the discovered regions.
	CriticalAddresses []Address `env:"CRITICAL_ADDRESSES"`
}

type SignatureConfig struct {
	Modules     []string      `env:"SIGNATURE_MODULES"       envDefault:"game"`
	MaxScanSize uint64        `env:"MAX_SIGNATURE_SCAN_SIZE" envDefault:"52428800"`
	CacheTTL    time.Duration `env:"SIGNATURE_CACHE_TTL"     envDefault:"30s"`
	// Signatures maps names to patterns, alternatives are separated by "|".
	Signatures map[string]string `env:"SIGNATURES"`
	// Legacy patterns are plain hex bytes in which Wildcard matches any byte.
	Legacy   bool  `env:"SIGNATURE_LEGACY"`
	Wildcard uint8 `env:"SIGNATURE_WILDCARD" envDefault:"0"`
}

type BusConfig struct {
	RedisURL         string `env:"REDIS_URL"         envDefault:"redis://localhost:6379"`
	RedisClusterURL  string `env:"REDIS_CLUSTER_URL"`
	TopicPrefix      string `env:"TOPIC_PREFIX"      envDefault:"memsync"`
	CompressMessages bool   `env:"COMPRESS_MESSAGES" envDefault:"true"`
	// MasterLeaseTTL bounds how long a crashed master blocks a new one.
	MasterLeaseTTL time.Duration `env:"MASTER_LEASE_TTL" envDefault:"10s"`
}

type Config struct {
	Role              string `env:"ROLE"                envDefault:"master"`
	TargetPID         int    `env:"TARGET_PID"`
	TargetProcessName string `env:"TARGET_PROCESS_NAME"`

	PageSize           uint64        `env:"PAGE_SIZE"            envDefault:"4096"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL"        envDefault:"16ms"`
	SnapshotBatchSize  int           `env:"SNAPSHOT_BATCH_SIZE"  envDefault:"100"`
	SnapshotBatchDelay time.Duration `env:"SNAPSHOT_BATCH_DELAY" envDefault:"10ms"`
	ReadyRetryInterval time.Duration `env:"READY_RETRY_INTERVAL" envDefault:"2s"`

	OTELCollectorGRPCEndpoint string `env:"OTEL_COLLECTOR_GRPC_ENDPOINT"`

	DiscoveryConfig
	SignatureConfig
	BusConfig
}

func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Address(0)): ParseAddress,
		},
	})
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Role != RoleMaster && c.Role != RoleClient {
		errs = append(errs, fmt.Errorf("unknown role %q, expected %q or %q", c.Role, RoleMaster, RoleClient))
	}

	if c.TargetPID == 0 && c.TargetProcessName == "" {
		errs = append(errs, errors.New("either TARGET_PID or TARGET_PROCESS_NAME must be set"))
	}

	if c.PageSize == 0 || bits.OnesCount64(c.PageSize) != 1 {
		errs = append(errs, fmt.Errorf("page size %d is not a power of two", c.PageSize))
	}

	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval %s must be positive", c.SyncInterval))
	}

	if _, err := c.Patterns(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c Config) Critical() []uint64 {
	addrs := make([]uint64, len(c.CriticalAddresses))
	for i, addr := range c.CriticalAddresses {
		addrs[i] = uint64(addr)
	}

	return addrs
}

// Patterns parses the configured signatures.
func (c SignatureConfig) Patterns() ([]signature.Pattern, error) {
	var patterns []signature.Pattern

	for name, text := range c.Signatures {
		for alternative := range strings.SplitSeq(text, "|") {
			p, err := signature.Parse(name, alternative)
			if err != nil {
				return nil, err
			}

			if c.Legacy {
				// "??" stays a wildcard next to the sentinel byte.
				legacy := signature.FromSentinel(name, p.Bytes, c.Wildcard)
				legacy.Mask.InPlaceIntersection(p.Mask)
				p = legacy
			}

			patterns = append(patterns, p)
		}
	}

	return patterns, nil
}
