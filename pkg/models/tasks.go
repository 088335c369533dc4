package models

import "time"

// RuleEngineTask is the payload submitted to the rule_engine queue for each
// processed telemetry message.
type RuleEngineTask struct {
	TaskID    string    `json:"task_id"`
	FactoryID int64     `json:"factory_id"`
	DeviceID  int64     `json:"device_id"`
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationTask is the payload submitted to the notifications queue when
// an alert is created. Delivery is at-least-once; deduplication is left to
// the notifier.
type NotificationTask struct {
	TaskID   string               `json:"task_id"`
	AlertID  int64                `json:"alert_id"`
	Channels NotificationChannels `json:"channels"`
}
