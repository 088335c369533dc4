package models

import "time"

// Alert is a triggered incident. Factory, rule and device always belong to
// the same tenant.
type Alert struct {
	ID                int64      `json:"id"`
	FactoryID         int64      `json:"factory_id"`
	RuleID            int64      `json:"rule_id"`
	DeviceID          int64      `json:"device_id"`
	TriggeredAt       time.Time  `json:"triggered_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	Severity          Severity   `json:"severity"`
	Message           string     `json:"message"`
	TelemetrySnapshot Metrics    `json:"telemetry_snapshot"`
	NotificationSent  bool       `json:"notification_sent"`
}

// RuleCooldown records the last firing per (rule, device). At most one row
// per pair; it doubles as the commit marker for alert creation.
type RuleCooldown struct {
	RuleID        int64     `json:"rule_id"`
	DeviceID      int64     `json:"device_id"`
	LastTriggered time.Time `json:"last_triggered"`
}
