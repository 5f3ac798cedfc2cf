package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"

	MReconcilerObservations MetricKey = "reconciler_observations_total"
	MPollAttempts           MetricKey = "poll_attempts_total"
	MPollOutcomes           MetricKey = "poll_outcomes_total"
	MWebhookDeliveries      MetricKey = "webhook_deliveries_total"
	MWalletProvisioning     MetricKey = "wallet_provisioning_total"
)

// MetricSpec describes how a key is registered with the metrics backend.
type MetricSpec struct {
	Key    MetricKey
	Help   string
	Labels []string
}

var CounterSpecs = []MetricSpec{
	{MUsecaseRequests, "Total number of use case invocations.", []string{"use_case", "outcome"}},
	{MHTTPRequests, "Total number of HTTP requests.", []string{"method", "route", "status"}},
	{MExternalRequests, "Total number of calls to external peers.", []string{"peer", "endpoint", "outcome"}},
	{MReconcilerObservations, "Status observations evaluated by the reconciler.", []string{"source", "decision"}},
	{MPollAttempts, "Poll attempts by provider and result.", []string{"provider", "result"}},
	{MPollOutcomes, "Finished poll loops by outcome.", []string{"outcome"}},
	{MWebhookDeliveries, "Webhook deliveries by provider and result.", []string{"provider", "result"}},
	{MWalletProvisioning, "Wallet assignment requests by result.", []string{"result"}},
}

var HistogramSpecs = []MetricSpec{
	{MUsecaseDuration, "Duration of use case execution in seconds.", []string{"use_case"}},
	{MHTTPRequestDuration, "Duration of HTTP requests in seconds.", []string{"method", "route", "status"}},
	{MExternalRequestDuration, "Duration of calls to external peers in seconds.", []string{"peer", "endpoint"}},
}
