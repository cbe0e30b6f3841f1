package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DBSettings tunes the shared pgx pool. Defaults suit one pod; sizing is per
// deployment, not per binary.
type DBSettings struct {
	DSN             string        `envconfig:"DB_DSN" required:"true"`
	PoolMaxConns    int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	PoolMinConns    int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	MaxConnIdleTime time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
}

// QueueSettings selects and configures the job queue backend shared by both
// binaries. Backend "memory" dispatches in-process; "sqs" uses one FIFO queue
// per logical queue name.
type QueueSettings struct {
	Backend string `envconfig:"QUEUE_BACKEND" default:"memory"`

	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	EventsQueueURL    string `envconfig:"SQS_EVENTS_QUEUE_URL"`
	CampaignsQueueURL string `envconfig:"SQS_CAMPAIGNS_QUEUE_URL"`
	ReceiptsQueueURL  string `envconfig:"SQS_RECEIPTS_QUEUE_URL"`
}

// ProviderSettings configures the outbound SMS provider client.
type ProviderSettings struct {
	APIURL      string `envconfig:"PROVIDER_API_URL" required:"true"`
	APIKey      string `envconfig:"PROVIDER_API_KEY" required:"true"`
	Name        string `envconfig:"PROVIDER_NAME" default:"smsgate"`
	TimeoutMs   int    `envconfig:"PROVIDER_TIMEOUT_MS" default:"8000"`
	MaxRetries  int    `envconfig:"PROVIDER_MAX_RETRIES" default:"3"`
	CallbackURL string `envconfig:"PROVIDER_CALLBACK_URL"`

	RPSPerPod float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	Burst     int     `envconfig:"PROVIDER_BURST" default:"10"`
}

type APIConfig struct {
	DB            DBSettings
	Port          string `envconfig:"PORT" default:"8080"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`

	Queue    QueueSettings
	Provider ProviderSettings

	CampaignBatchSize  int `envconfig:"CAMPAIGN_BATCH_SIZE" default:"100"`
	CampaignThrottleMs int `envconfig:"CAMPAIGN_THROTTLE_MS" default:"1000"`
	ReservationTTLMin  int `envconfig:"RESERVATION_TTL_MIN" default:"60"`
	PreviewTimeoutMs   int `envconfig:"PREVIEW_TIMEOUT_MS" default:"3000"`

	HelpReply string `envconfig:"INBOUND_HELP_REPLY" default:"Reply STOP to unsubscribe. Msg&data rates may apply."`
}

type WorkerConfig struct {
	DB        DBSettings
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	Queue    QueueSettings
	Provider ProviderSettings

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	EventsConcurrency   int `envconfig:"EVENTS_CONCURRENCY" default:"20"`
	CampaignConcurrency int `envconfig:"CAMPAIGN_CONCURRENCY" default:"2"`
	ReceiptsConcurrency int `envconfig:"RECEIPTS_CONCURRENCY" default:"10"`

	CampaignBatchSize  int `envconfig:"CAMPAIGN_BATCH_SIZE" default:"100"`
	CampaignThrottleMs int `envconfig:"CAMPAIGN_THROTTLE_MS" default:"1000"`
	ReservationTTLMin  int `envconfig:"RESERVATION_TTL_MIN" default:"60"`
	SweepIntervalMin   int `envconfig:"RESERVATION_SWEEP_INTERVAL_MIN" default:"5"`

	HelpReply string `envconfig:"INBOUND_HELP_REPLY" default:"Reply STOP to unsubscribe. Msg&data rates may apply."`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
