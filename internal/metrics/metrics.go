package metrics

import "github.com/prometheus/client_golang/prometheus"

// latencyBuckets covers sub-10ms handling up to a pager stuck through its
// full retry budget.
var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 3, 4, 5, 10, 20, 40, 60, 120, 600, 1200}

var (
	MessagesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_messages_received_total",
			Help: "Messages received on the MLLP socket.",
		},
	)

	MessagesHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akialerter_messages_handled_total",
			Help: "Messages handled successfully. Live and replayed counts stay distinct.",
		},
		[]string{"mode", "type"},
	)

	MessagesAcknowledgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_messages_acknowledged_total",
			Help: "ACK frames sent back on the MLLP socket.",
		},
	)

	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akialerter_handler_errors_total",
			Help: "Messages that could not be parsed or applied.",
		},
		[]string{"mode", "reason"},
	)

	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akialerter_aki_predictions_total",
			Help: "AKI classifier outcomes.",
		},
		[]string{"mode", "result"},
	)

	PagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_pages_total",
			Help: "Paging attempts for positive predictions.",
		},
	)

	PageFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_page_failures_total",
			Help: "Pages dropped after exhausting the retry budget.",
		},
	)

	LogAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_log_appends_total",
			Help: "Rows appended to the message log.",
		},
	)

	ConnectionAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_connection_attempts_total",
			Help: "MLLP connection attempts.",
		},
	)

	ConnectionClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "akialerter_connection_closed_total",
			Help: "MLLP connections dropped.",
		},
	)

	PagingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "akialerter_paging_latency_seconds",
			Help:    "Time from message arrival to pager response.",
			Buckets: latencyBuckets,
		},
	)

	MessageLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "akialerter_message_latency_seconds",
			Help:    "Time to process one inbound message end to end.",
			Buckets: latencyBuckets,
		},
	)
)

func Register() {
	prometheus.MustRegister(
		MessagesReceivedTotal,
		MessagesHandledTotal,
		MessagesAcknowledgedTotal,
		HandlerErrorsTotal,
		PredictionsTotal,
		PagesTotal,
		PageFailuresTotal,
		LogAppendsTotal,
		ConnectionAttemptsTotal,
		ConnectionClosedTotal,
		PagingLatency,
		MessageLatency,
	)
}

// Label values shared by the storage and listener packages.
const (
	ModeLive   = "live"
	ModeReplay = "replay"

	TypeAdmission  = "admission"
	TypeDischarge  = "discharge"
	TypeTestResult = "test_result"

	ResultPositive = "positive"
	ResultNegative = "negative"
)
