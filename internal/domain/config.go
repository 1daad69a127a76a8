package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are wired
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Engine settings
	Fetch     FetchConfig     `json:"fetch" yaml:"fetch"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds

	// AllowedOrigins limits CORS to these origins; empty allows any.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// FetchConfig controls the record fetcher.
type FetchConfig struct {
	// FeedTimeout bounds each of the four feeds independently.
	FeedTimeout time.Duration `json:"feedTimeout" yaml:"feed_timeout"`
}

// DetectionConfig holds every policy threshold of the engine.
// Tuning these is expected operational behavior.
type DetectionConfig struct {
	// Edge heuristics
	TimingWindow      time.Duration `json:"timingWindow" yaml:"timing_window"`
	OppositeWindow    time.Duration `json:"oppositeWindow" yaml:"opposite_window"`
	AmountTolerance   float64       `json:"amountTolerance" yaml:"amount_tolerance"` // relative, 0.2 = 20%
	IPPrefixMatching  bool          `json:"ipPrefixMatching" yaml:"ip_prefix_matching"`
	IPv4PrefixOctets  int           `json:"ipv4PrefixOctets" yaml:"ipv4_prefix_octets"`
	PriorRingBonus    int           `json:"priorRingBonus" yaml:"prior_ring_bonus"`
	LargeTradeAmount  float64       `json:"largeTradeAmount" yaml:"large_trade_amount"`
	SharedSignalPoint int           `json:"sharedSignalPoint" yaml:"shared_signal_point"`

	// Ring extraction
	QualifierExpression string        `json:"qualifierExpression" yaml:"qualifier_expression"`
	Severity            SeverityBands `json:"severity" yaml:"severity"`
	ConfidenceBase      int           `json:"confidenceBase" yaml:"confidence_base"`
	ConfidenceStep      int           `json:"confidenceStep" yaml:"confidence_step"`
	ConfidenceCap       int           `json:"confidenceCap" yaml:"confidence_cap"`
	EvidenceLimit       int           `json:"evidenceLimit" yaml:"evidence_limit"`
	DedupPrefix         int           `json:"dedupPrefix" yaml:"dedup_prefix"`

	// Opposite-trade analyzer
	TopOppositePairs int `json:"topOppositePairs" yaml:"top_opposite_pairs"`

	// Commission / behavioral analyzer
	HighVolumeMinTrades  int     `json:"highVolumeMinTrades" yaml:"high_volume_min_trades"`
	HighVolumeHighTrades int     `json:"highVolumeHighTrades" yaml:"high_volume_high_trades"`
	LowValueAmount       float64 `json:"lowValueAmount" yaml:"low_value_amount"`
	ChurnMinTrades       int     `json:"churnMinTrades" yaml:"churn_min_trades"`
	ChurnTradesPerHour   float64 `json:"churnTradesPerHour" yaml:"churn_trades_per_hour"`
	WinRateMinTrades     int     `json:"winRateMinTrades" yaml:"win_rate_min_trades"`
	HighWinRate          float64 `json:"highWinRate" yaml:"high_win_rate"`
	SuspiciousWinRate    float64 `json:"suspiciousWinRate" yaml:"suspicious_win_rate"`
	TotalLossMinTrades   int     `json:"totalLossMinTrades" yaml:"total_loss_min_trades"`
	EvenSplitTolerance   float64 `json:"evenSplitTolerance" yaml:"even_split_tolerance"`
	EvenSplitMinTrades   int     `json:"evenSplitMinTrades" yaml:"even_split_min_trades"`
	PayoffRatio          float64 `json:"payoffRatio" yaml:"payoff_ratio"`

	// Correlation analyzer
	CorrelationWindow     time.Duration      `json:"correlationWindow" yaml:"correlation_window"`
	CorrelationWeights    CorrelationWeights `json:"correlationWeights" yaml:"correlation_weights"`
	CorrelationFlagged    float64            `json:"correlationFlagged" yaml:"correlation_flagged"`
	CorrelationSuspicious float64            `json:"correlationSuspicious" yaml:"correlation_suspicious"`
}

// CorrelationWeights weight the component scores of a pairwise correlation.
// They are expected to sum to 1 so the overall score stays in [0,100].
type CorrelationWeights struct {
	Timing    float64 `json:"timing" yaml:"timing"`
	Direction float64 `json:"direction" yaml:"direction"`
	Amount    float64 `json:"amount" yaml:"amount"`
	Symbol    float64 `json:"symbol" yaml:"symbol"`
}

// Sum returns the total weight.
func (w CorrelationWeights) Sum() float64 {
	return w.Timing + w.Direction + w.Amount + w.Symbol
}

// DefaultCorrelationWeights favors opposite direction, then timing.
func DefaultCorrelationWeights() CorrelationWeights {
	return CorrelationWeights{Timing: 0.25, Direction: 0.35, Amount: 0.2, Symbol: 0.2}
}

// DefaultQualifierExpression admits clusters with elevated average risk or
// at least one fraud-indicator edge.
const DefaultQualifierExpression = "avg_risk_score >= 30.0 || fraud_edge_count >= 1"

// DefaultDetectionConfig returns the reference thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		TimingWindow:      60 * time.Second,
		OppositeWindow:    5 * time.Second,
		AmountTolerance:   0.2,
		IPPrefixMatching:  true,
		IPv4PrefixOctets:  3,
		PriorRingBonus:    25,
		LargeTradeAmount:  1000,
		SharedSignalPoint: 20,

		QualifierExpression: DefaultQualifierExpression,
		Severity:            DefaultSeverityBands(),
		ConfidenceBase:      40,
		ConfidenceStep:      15,
		ConfidenceCap:       95,
		EvidenceLimit:       10,
		DedupPrefix:         3,

		TopOppositePairs: 5,

		HighVolumeMinTrades:  10,
		HighVolumeHighTrades: 20,
		LowValueAmount:       5,
		ChurnMinTrades:       15,
		ChurnTradesPerHour:   20,
		WinRateMinTrades:     5,
		HighWinRate:          0.9,
		SuspiciousWinRate:    0.85,
		TotalLossMinTrades:   5,
		EvenSplitTolerance:   0.05,
		EvenSplitMinTrades:   10,
		PayoffRatio:          3,

		CorrelationWindow:     60 * time.Second,
		CorrelationWeights:    DefaultCorrelationWeights(),
		CorrelationFlagged:    70,
		CorrelationSuspicious: 50,
	}
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			GraphTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 256,
		},
		Fetch: FetchConfig{
			FeedTimeout: 15 * time.Second,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   100,
		LocalTTL:       time.Minute,
		GraphTTL:       10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
