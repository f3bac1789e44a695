// Prometheus metric names and help texts.

package metrics

const (
	NTPResolverReqsSentN = "trustedtime_ntp_resolver_requests_sent_total"
	NTPResolverReqsSentH = "Number of NTP requests sent"

	NTPResolverRespsAcceptedN = "trustedtime_ntp_resolver_responses_accepted_total"
	NTPResolverRespsAcceptedH = "Number of valid NTP responses accepted"

	NTPResolverQuorumFailuresN = "trustedtime_ntp_resolver_quorum_failures_total"
	NTPResolverQuorumFailuresH = "Number of NTP resolutions that failed to reach quorum"

	HTTPSResolverReqsSentN = "trustedtime_https_resolver_requests_sent_total"
	HTTPSResolverReqsSentH = "Number of HTTPS date requests sent"

	HTTPSResolverSamplesAcceptedN = "trustedtime_https_resolver_samples_accepted_total"
	HTTPSResolverSamplesAcceptedH = "Number of valid HTTPS date samples accepted"

	HTTPSResolverQuorumFailuresN = "trustedtime_https_resolver_quorum_failures_total"
	HTTPSResolverQuorumFailuresH = "Number of HTTPS resolutions that failed to reach quorum"

	EngineSyncsSucceededN = "trustedtime_engine_syncs_succeeded_total"
	EngineSyncsSucceededH = "Number of successful trust anchor synchronizations"

	EngineSyncsFailedN = "trustedtime_engine_syncs_failed_total"
	EngineSyncsFailedH = "Number of failed trust anchor synchronizations"

	EngineRebootsDetectedN = "trustedtime_engine_reboots_detected_total"
	EngineRebootsDetectedH = "Number of reboots detected from monotonic clock rewinds"

	EngineTamperEventsN = "trustedtime_engine_tamper_events_total"
	EngineTamperEventsH = "Number of externally reported clock or timezone tamper events"

	EngineDemotionsN = "trustedtime_engine_demotions_total"
	EngineDemotionsH = "Number of demotions from trusted to untrusted state"
)
