package stp

// Confidence and latency thresholds for heuristic priority escalation.
const (
	highConfidence = 0.95
	lowConfidence  = 0.2
	slowLatencyMs  = 5000.0
)

// DerivePriority infers a packet's delivery priority from its payload.
// It is a pure function of payload content, consulted at wrap time only
// when the caller supplies no explicit priority.
//
// Escalation rules: an unhealthy status payload is critical; a failed or
// slow feedback outcome is high; a routing decision with very high or very
// low confidence is high. Everything else is normal.
func DerivePriority(typ PacketType, payload map[string]any) Priority {
	if status, ok := payloadString(payload, "status"); ok {
		switch status {
		case "unhealthy", "critical":
			return PriorityCritical
		case "degraded":
			return PriorityHigh
		}
	}

	switch typ {
	case TypeRoutingDecision:
		if conf, ok := payloadFloat(payload, "confidence"); ok {
			if conf >= highConfidence || conf <= lowConfidence {
				return PriorityHigh
			}
		}
	case TypeFeedback:
		if success, ok := payloadBool(payload, "success"); ok && !success {
			return PriorityHigh
		}
		if latency, ok := payloadFloat(payload, "latency_ms"); ok && latency >= slowLatencyMs {
			return PriorityHigh
		}
	}
	return PriorityNormal
}

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key].(string)
	return v, ok
}

func payloadBool(payload map[string]any, key string) (bool, bool) {
	v, ok := payload[key].(bool)
	return v, ok
}

// payloadFloat reads a numeric payload field. Payloads built in-process use
// float64 or int; payloads decoded from JSON always use float64.
func payloadFloat(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
