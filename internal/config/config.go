// Package config loads the preprocessor's configuration keys (spec.md §6)
// from a TOML file via viper, the way smart-mcp-proxy-mcpproxy-go layers
// viper over a typed Config struct.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/blacklight/aicorrd/internal/aierr"
)

// ClusterRangeSpec is one repeating `cluster(class, name, range)` entry.
type ClusterRangeSpec struct {
	Class string // "src_port" | "dst_port" | "src_addr" | "dst_addr"
	Name  string
	Min   uint32
	Max   uint32
}

// DatabaseSpec backs both `database(...)` (input) and `output_database(...)`.
type DatabaseSpec struct {
	Type     string // "mysql" | "postgres"
	Name     string
	User     string
	Password string
	Host     string
}

// Config is the fully parsed, validated configuration.
type Config struct {
	HashtableCleanupInterval         time.Duration
	TCPStreamExpireInterval          time.Duration
	AlertClusteringInterval          time.Duration
	CorrelationGraphInterval         time.Duration
	AlertSerializationInterval       time.Duration
	DatabaseParsingInterval          time.Duration
	BayesianCorrelationInterval      time.Duration
	BayesianCorrelationCacheValidity time.Duration
	ManualCorrelationsParsingInterval time.Duration
	ClusterMaxAlertInterval          time.Duration
	NeuralNetworkTrainingInterval    time.Duration
	NeuralTrainSteps                 int
	OutputNeuronsPerSide             int
	AlertCorrelationWeight           float64
	CorrelationThresholdCoefficient  float64
	AlertBufsize                     int
	WebservPort                      int
	WebservBanner                    string
	AlertFile                        string
	AlertHistoryFile                 string
	ClusterFile                      string
	CorrelationRulesDir              string
	CorrelatedAlertsDir              string
	WebservDir                       string
	CorrModulesDir                   string
	Database                         DatabaseSpec
	OutputDatabase                   DatabaseSpec
	ClusterRanges                    []ClusterRangeSpec

	// IngestSource selects "text" or "db" for the Alert Ingestor (C2).
	IngestSource string
}

func defaults() *Config {
	return &Config{
		HashtableCleanupInterval:          60 * time.Second,
		TCPStreamExpireInterval:           120 * time.Second,
		AlertClusteringInterval:           30 * time.Second,
		CorrelationGraphInterval:          60 * time.Second,
		AlertSerializationInterval:        30 * time.Second,
		DatabaseParsingInterval:           5 * time.Second,
		BayesianCorrelationInterval:       300 * time.Second,
		BayesianCorrelationCacheValidity: 600 * time.Second,
		ManualCorrelationsParsingInterval: 60 * time.Second,
		ClusterMaxAlertInterval:           120 * time.Second,
		NeuralNetworkTrainingInterval:     3600 * time.Second,
		NeuralTrainSteps:                  1000,
		OutputNeuronsPerSide:              20,
		AlertCorrelationWeight:            1.0,
		CorrelationThresholdCoefficient:   2.0,
		AlertBufsize:                      65535,
		WebservPort:                       7654,
		WebservBanner:                     "aicorrd",
		IngestSource:                      "text",
	}
}

// Load reads keys from the TOML file at path, overlaying env vars prefixed
// AICORRD_, and validates the mandatory ones.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("aicorrd")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, &aierr.ConfigError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}

	cfg := defaults()
	if v.IsSet("hashtable_cleanup_interval") {
		cfg.HashtableCleanupInterval = v.GetDuration("hashtable_cleanup_interval") * time.Second
	}
	if v.IsSet("tcp_stream_expire_interval") {
		cfg.TCPStreamExpireInterval = time.Duration(v.GetInt64("tcp_stream_expire_interval")) * time.Second
	}
	if v.IsSet("alert_clustering_interval") {
		cfg.AlertClusteringInterval = time.Duration(v.GetInt64("alert_clustering_interval")) * time.Second
	}
	if v.IsSet("correlation_graph_interval") {
		cfg.CorrelationGraphInterval = time.Duration(v.GetInt64("correlation_graph_interval")) * time.Second
	}
	if v.IsSet("alert_serialization_interval") {
		cfg.AlertSerializationInterval = time.Duration(v.GetInt64("alert_serialization_interval")) * time.Second
	}
	if v.IsSet("database_parsing_interval") {
		cfg.DatabaseParsingInterval = time.Duration(v.GetInt64("database_parsing_interval")) * time.Second
	}
	if v.IsSet("bayesian_correlation_interval") {
		cfg.BayesianCorrelationInterval = time.Duration(v.GetInt64("bayesian_correlation_interval")) * time.Second
	}
	if v.IsSet("bayesian_correlation_cache_validity") {
		cfg.BayesianCorrelationCacheValidity = time.Duration(v.GetInt64("bayesian_correlation_cache_validity")) * time.Second
	}
	if v.IsSet("manual_correlations_parsing_interval") {
		cfg.ManualCorrelationsParsingInterval = time.Duration(v.GetInt64("manual_correlations_parsing_interval")) * time.Second
	}
	if v.IsSet("cluster_max_alert_interval") {
		cfg.ClusterMaxAlertInterval = time.Duration(v.GetInt64("cluster_max_alert_interval")) * time.Second
	}
	if v.IsSet("neural_network_training_interval") {
		cfg.NeuralNetworkTrainingInterval = time.Duration(v.GetInt64("neural_network_training_interval")) * time.Second
	}
	if v.IsSet("neural_train_steps") {
		cfg.NeuralTrainSteps = v.GetInt("neural_train_steps")
	}
	if v.IsSet("output_neurons_per_side") {
		cfg.OutputNeuronsPerSide = v.GetInt("output_neurons_per_side")
	}
	if v.IsSet("alert_correlation_weight") {
		cfg.AlertCorrelationWeight = v.GetFloat64("alert_correlation_weight")
	}
	if v.IsSet("correlation_threshold_coefficient") {
		cfg.CorrelationThresholdCoefficient = v.GetFloat64("correlation_threshold_coefficient")
	}
	if v.IsSet("alert_bufsize") {
		cfg.AlertBufsize = v.GetInt("alert_bufsize")
	}
	if v.IsSet("webserv_port") {
		cfg.WebservPort = v.GetInt("webserv_port")
	}
	if v.IsSet("webserv_banner") {
		cfg.WebservBanner = v.GetString("webserv_banner")
	}
	if v.IsSet("ingest_source") {
		cfg.IngestSource = v.GetString("ingest_source")
	}

	cfg.AlertFile = v.GetString("alertfile")
	cfg.AlertHistoryFile = v.GetString("alert_history_file")
	cfg.ClusterFile = v.GetString("clusterfile")
	cfg.CorrelationRulesDir = v.GetString("correlation_rules_dir")
	cfg.CorrelatedAlertsDir = v.GetString("correlated_alerts_dir")
	cfg.WebservDir = v.GetString("webserv_dir")
	cfg.CorrModulesDir = v.GetString("corr_modules_dir")

	if v.IsSet("database") {
		cfg.Database = DatabaseSpec{
			Type:     v.GetString("database.type"),
			Name:     v.GetString("database.name"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Host:     v.GetString("database.host"),
		}
	}
	if v.IsSet("output_database") {
		cfg.OutputDatabase = DatabaseSpec{
			Type:     v.GetString("output_database.type"),
			Name:     v.GetString("output_database.name"),
			User:     v.GetString("output_database.user"),
			Password: v.GetString("output_database.password"),
			Host:     v.GetString("output_database.host"),
		}
	}

	var ranges []ClusterRangeSpec
	if err := v.UnmarshalKey("cluster", &ranges); err != nil {
		return nil, &aierr.ConfigError{Msg: fmt.Sprintf("malformed cluster entries: %v", err)}
	}
	cfg.ClusterRanges = ranges

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WebservDir == "" {
		return &aierr.ConfigError{Msg: "webserv_dir is mandatory"}
	}
	if c.IngestSource != "text" && c.IngestSource != "db" {
		return &aierr.ConfigError{Msg: fmt.Sprintf("unknown ingest_source class %q", c.IngestSource)}
	}
	if c.IngestSource == "text" && c.AlertFile == "" {
		return &aierr.ConfigError{Msg: "alertfile is mandatory when ingest_source=text"}
	}
	if c.IngestSource == "db" && c.Database.Type == "" {
		return &aierr.ConfigError{Msg: "database.type is mandatory when ingest_source=db"}
	}
	for _, r := range c.ClusterRanges {
		switch r.Class {
		case "src_port", "dst_port", "src_addr", "dst_addr":
		default:
			return &aierr.ConfigError{Msg: fmt.Sprintf("unknown cluster class %q", r.Class)}
		}
		if r.Min > r.Max {
			return &aierr.ConfigError{Msg: fmt.Sprintf("malformed range for %s: min %d > max %d", r.Name, r.Min, r.Max)}
		}
	}
	return nil
}

// effectiveDump is the subset of Config worth echoing back to an operator
// running `-dump-config`: it drops secrets (DatabaseSpec.Password) that
// Config itself carries for dialing the database.
type effectiveDump struct {
	IngestSource string              `toml:"ingest_source"`
	AlertFile    string              `toml:"alertfile"`
	WebservDir   string              `toml:"webserv_dir"`
	WebservPort  int                 `toml:"webserv_port"`
	Database     dumpDatabaseSpec    `toml:"database"`
	Output       dumpDatabaseSpec    `toml:"output_database"`
	Cluster      []ClusterRangeSpec  `toml:"cluster"`
}

type dumpDatabaseSpec struct {
	Type string `toml:"type"`
	Name string `toml:"name"`
	Host string `toml:"host"`
}

// Dump writes the effective, validated configuration back out as TOML
// (secrets redacted), for an operator to diff against the file on disk.
func (c *Config) Dump(w io.Writer) error {
	dump := effectiveDump{
		IngestSource: c.IngestSource,
		AlertFile:    c.AlertFile,
		WebservDir:   c.WebservDir,
		WebservPort:  c.WebservPort,
		Database:     dumpDatabaseSpec{Type: c.Database.Type, Name: c.Database.Name, Host: c.Database.Host},
		Output:       dumpDatabaseSpec{Type: c.OutputDatabase.Type, Name: c.OutputDatabase.Name, Host: c.OutputDatabase.Host},
		Cluster:      c.ClusterRanges,
	}
	return toml.NewEncoder(w).Encode(dump)
}
