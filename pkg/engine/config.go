/*
Package engine wires every lower package into the environment and
database handles spec §6 exposes: Environment owns the shared log, lock
table, transaction manager, and the background evictor/compressor/
cleaner/checkpointer; Database is a single named B-tree opened within it.
*/
package engine

import (
	"os"
	"time"

	"github.com/cuemby/logkv/pkg/btree"
	"github.com/cuemby/logkv/pkg/checkpoint"
	"github.com/cuemby/logkv/pkg/cleaner"
	"github.com/cuemby/logkv/pkg/compressor"
	"github.com/cuemby/logkv/pkg/elog"
	"github.com/cuemby/logkv/pkg/evictor"
	"github.com/cuemby/logkv/pkg/lock"
	"github.com/cuemby/logkv/pkg/logfile"
	"gopkg.in/yaml.v3"
)

// EnvironmentConfig controls the whole environment: log layout,
// concurrency tuning for every background subsystem, and read-only /
// create-on-open behavior (spec §6's configuration option table).
type EnvironmentConfig struct {
	AllowCreate bool `yaml:"allow_create"`
	ReadOnly    bool `yaml:"read_only"`

	LogFileMax     uint64 `yaml:"log_file_max"`
	ReadBufferSize int    `yaml:"read_buffer_size"`

	CacheBudgetBytes int           `yaml:"cache_budget_bytes"`
	EvictorInterval  time.Duration `yaml:"evictor_interval"`

	CompressorInterval time.Duration `yaml:"compressor_interval"`

	CleanerMinUtilization float64       `yaml:"cleaner_min_utilization"`
	CleanerMinAgeFiles    uint64        `yaml:"cleaner_min_age_files"`
	CleanerInterval       time.Duration `yaml:"cleaner_interval"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	LockDetectInterval time.Duration `yaml:"lock_detect_interval"`
	LockRequestTimeout time.Duration `yaml:"lock_request_timeout"`

	Logging elog.Config `yaml:"-"`
}

func (c EnvironmentConfig) withDefaults() EnvironmentConfig {
	if c.CacheBudgetBytes <= 0 {
		c.CacheBudgetBytes = 64 << 20
	}
	return c
}

func (c EnvironmentConfig) logConfig() logfile.Config {
	return logfile.Config{LogFileMax: c.LogFileMax, ReadBufferSize: c.ReadBufferSize}
}

func (c EnvironmentConfig) evictorConfig() evictor.Config {
	return evictor.Config{BudgetBytes: c.CacheBudgetBytes, Interval: c.EvictorInterval}
}

func (c EnvironmentConfig) compressorConfig() compressor.Config {
	return compressor.Config{Interval: c.CompressorInterval}
}

func (c EnvironmentConfig) cleanerConfig() cleaner.Config {
	return cleaner.Config{
		MinUtilization: c.CleanerMinUtilization,
		MinAgeFiles:    c.CleanerMinAgeFiles,
		Interval:       c.CleanerInterval,
	}
}

func (c EnvironmentConfig) checkpointConfig() checkpoint.Config {
	return checkpoint.Config{Interval: c.CheckpointInterval}
}

func (c EnvironmentConfig) lockConfig() lock.Config {
	return lock.Config{DetectInterval: c.LockDetectInterval, RequestTimeout: c.LockRequestTimeout}
}

// LoadEnvironmentConfig reads an optional logkv.yaml-shaped file. A
// missing file is not an error: callers get the zero-value config (which
// withDefaults then fills in), matching an environment with no tuning
// overrides.
func LoadEnvironmentConfig(path string) (EnvironmentConfig, error) {
	var cfg EnvironmentConfig
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DatabaseConfig controls a single database's key ordering and duplicate
// policy (spec §6).
type DatabaseConfig struct {
	Create          bool
	AllowDuplicates bool
	NodeMaxEntries  int
	Comparator      btree.Comparator
	DupComparator   btree.Comparator
}

func (c DatabaseConfig) withDefaults() DatabaseConfig {
	if c.Comparator == nil {
		c.Comparator = btree.ByteComparator
	}
	if c.DupComparator == nil {
		c.DupComparator = btree.ByteComparator
	}
	if c.NodeMaxEntries <= 0 {
		c.NodeMaxEntries = 128
	}
	return c
}

// KeyCreator derives a secondary key from a primary record; returning
// ok=false means the primary record has no corresponding secondary entry
// (spec's secondary-index key-creator callback).
type KeyCreator func(primaryKey, primaryValue []byte) (secondaryKey []byte, ok bool)

// ForeignKeyDeleteAction controls what happens to a secondary's primary
// records when the key they reference is deleted from the secondary's
// foreign key database.
type ForeignKeyDeleteAction int

const (
	// ForeignKeyAbort fails the foreign database's delete outright if any
	// primary record still references the key being deleted.
	ForeignKeyAbort ForeignKeyDeleteAction = iota
	// ForeignKeyCascade deletes every referencing primary record along
	// with the foreign key, within the same transaction.
	ForeignKeyCascade
	// ForeignKeyNullify rewrites every referencing primary record through
	// Nullifier instead of deleting it, within the same transaction.
	ForeignKeyNullify
)

// Nullifier rewrites a primary record's value to drop its reference to a
// foreign key that is being deleted, for SecondaryConfig.ForeignKeyDeleteAction
// == ForeignKeyNullify.
type Nullifier func(secondaryKey, primaryKey, primaryValue []byte) (newValue []byte)

// SecondaryConfig controls a secondary database's key derivation and
// duplicate policy. Secondary keys are always stored with duplicates
// allowed, since distinct primary records may map to the same derived
// key.
//
// ForeignKeyDatabase, if set, names another open database whose keys the
// secondary's derived keys must reference: deleting a key from
// ForeignKeyDatabase then triggers ForeignKeyDeleteAction against every
// primary record the secondary indexes under that key (spec's foreign
// key integrity constraint).
type SecondaryConfig struct {
	Create     bool
	Comparator btree.Comparator
	KeyCreator KeyCreator

	ForeignKeyDatabase     *Database
	ForeignKeyDeleteAction ForeignKeyDeleteAction
	Nullifier              Nullifier
}

func (c SecondaryConfig) withDefaults() SecondaryConfig {
	if c.Comparator == nil {
		c.Comparator = btree.ByteComparator
	}
	return c
}
