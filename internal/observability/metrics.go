package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_events_ingested_total", Help: "Webhook events by ingestion result"},
		[]string{"topic", "result"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_jobs_processed_total", Help: "Queue jobs by outcome"},
		[]string{"queue", "result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_provider_send_total", Help: "Provider send outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "smscast_provider_send_latency_seconds", Help: "Provider send latency"},
	)
	CodeReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_code_reservations_total", Help: "Discount code reservation outcomes"},
		[]string{"result"},
	)
	RecipientOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_campaign_recipients_total", Help: "Campaign recipient outcomes"},
		[]string{"status"},
	)
	Receipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_delivery_receipts_total", Help: "Delivery receipt outcomes"},
		[]string{"outcome"},
	)
	InboundReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_inbound_replies_total", Help: "Inbound replies by kind"},
		[]string{"kind"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smscast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsIngested, JobsProcessed, ProviderSend, ProviderLatency,
		CodeReservations, RecipientOutcomes, Receipts, InboundReplies, APIRequests,
	)
}
