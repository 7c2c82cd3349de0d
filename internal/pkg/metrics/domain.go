package metrics

// Domain helpers so call sites don't assemble label maps by hand.

func (c *Collector) RecordWebhookReceived(app, triggerID, eventType string) {
	c.IncrementCounter("webhook_received_total", 1, map[string]string{
		"app":        app,
		"trigger_id": triggerID,
		"event_type": eventType,
	})
}

func (c *Collector) RecordWebhookDuration(app string, seconds float64) {
	c.RecordHistogram("webhook_processing_duration_seconds", seconds, map[string]string{"app": app})
}

func (c *Collector) RecordVerificationFailure(app, reason string) {
	c.IncrementCounter("webhook_verification_failed_total", 1, map[string]string{
		"app":    app,
		"reason": reason,
	})
}

func (c *Collector) RecordEventStored(triggerID, eventType string) {
	c.IncrementCounter("trigger_event_stored_total", 1, map[string]string{
		"trigger_id": triggerID,
		"event_type": eventType,
	})
}

func (c *Collector) RecordDuplicateEvent(triggerID string) {
	c.IncrementCounter("trigger_event_duplicate_total", 1, map[string]string{"trigger_id": triggerID})
}

func (c *Collector) RecordRateLimitHit(kind string) {
	c.IncrementCounter("rate_limit_hit_total", 1, map[string]string{"type": kind})
}

func (c *Collector) RecordRenewal(app string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	c.IncrementCounter("trigger_renewal_total", 1, map[string]string{"app": app, "status": status})
}

func (c *Collector) RecordExecution(function string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failed"
	}
	c.IncrementCounter("function_execution_total", 1, map[string]string{
		"function": function,
		"status":   status,
	})
	c.RecordHistogram("function_execution_duration_seconds", seconds, map[string]string{"function": function})
}

func (c *Collector) RecordSearchDuration(seconds float64) {
	c.RecordHistogram("function_search_duration_seconds", seconds, nil)
}

func (c *Collector) RecordRerank(cacheHit bool) {
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	c.IncrementCounter("rerank_cache_total", 1, map[string]string{"outcome": outcome})
}
