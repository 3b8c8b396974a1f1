package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
		[]string{"provider"},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
		[]string{"reason"},
	)

	ProviderFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_provider_failovers_total",
			Help: "Sends that moved on to the next provider after a failure",
		},
	)

	RateLimitDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_rate_limit_deferrals_total",
			Help: "Sends deferred because the per-minute cap was reached",
		},
	)

	JobsRescheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_rescheduled_total",
			Help: "Jobs rescheduled for another attempt",
		},
	)

	FlowsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_flows_created_total",
			Help: "Flows created by kind",
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_jobs",
			Help: "Jobs currently held by the queue by state",
		},
		[]string{"state"},
	)

	TemplateEmails = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_stats_template_emails",
			Help: "Terminal emails per template in the stats window",
		},
		[]string{"template"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(ProviderFailovers)
	prometheus.MustRegister(RateLimitDeferrals)
	prometheus.MustRegister(JobsRescheduled)
	prometheus.MustRegister(FlowsCreated)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TemplateEmails)
}
