package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type RuleScope string

const (
	ScopeDevice RuleScope = "device"
	ScopeGlobal RuleScope = "global"
)

type ScheduleType string

const (
	ScheduleAlways     ScheduleType = "always"
	ScheduleTimeWindow ScheduleType = "time_window"
	ScheduleDateRange  ScheduleType = "date_range"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type CompareOp string

const (
	OpGT  CompareOp = "gt"
	OpLT  CompareOp = "lt"
	OpGTE CompareOp = "gte"
	OpLTE CompareOp = "lte"
	OpEQ  CompareOp = "eq"
	OpNEQ CompareOp = "neq"
)

type GroupOp string

const (
	GroupAND GroupOp = "AND"
	GroupOR  GroupOp = "OR"
)

// MaxConditionDepth bounds condition tree nesting to cap evaluation cost
// and stored JSON size.
const MaxConditionDepth = 8

var (
	ErrConditionTooDeep   = errors.New("condition tree exceeds maximum depth")
	ErrConditionMalformed = errors.New("condition node is neither a leaf nor a group")
	ErrConditionEmpty     = errors.New("condition group has no children")
)

// ConditionNode is one node of a rule's condition tree: either a leaf
// comparison {parameter, operator, value} or a group {operator, conditions}.
// Exactly one of the two shapes is populated.
type ConditionNode struct {
	// Leaf fields.
	Parameter string    `json:"parameter,omitempty"`
	Op        CompareOp `json:"-"`
	Value     float64   `json:"value,omitempty"`

	// Group fields.
	GroupOp    GroupOp          `json:"-"`
	Conditions []*ConditionNode `json:"conditions,omitempty"`
}

// IsLeaf reports whether the node is a comparison leaf.
func (n *ConditionNode) IsLeaf() bool {
	return n.Parameter != ""
}

type conditionJSON struct {
	Parameter  string            `json:"parameter,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Value      *float64          `json:"value,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
}

func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	return n.unmarshalDepth(data, 1)
}

func (n *ConditionNode) unmarshalDepth(data []byte, depth int) error {
	if depth > MaxConditionDepth {
		return ErrConditionTooDeep
	}

	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.Parameter != "":
		if raw.Value == nil {
			return fmt.Errorf("%w: leaf %q has no value", ErrConditionMalformed, raw.Parameter)
		}

		op := CompareOp(raw.Operator)
		switch op {
		case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ:
		default:
			return fmt.Errorf("%w: unknown comparison operator %q", ErrConditionMalformed, raw.Operator)
		}

		n.Parameter = raw.Parameter
		n.Op = op
		n.Value = *raw.Value

		return nil
	case raw.Operator == string(GroupAND) || raw.Operator == string(GroupOR):
		if len(raw.Conditions) == 0 {
			return ErrConditionEmpty
		}

		n.GroupOp = GroupOp(raw.Operator)
		n.Conditions = make([]*ConditionNode, 0, len(raw.Conditions))

		for _, childRaw := range raw.Conditions {
			child := &ConditionNode{}
			if err := child.unmarshalDepth(childRaw, depth+1); err != nil {
				return err
			}

			n.Conditions = append(n.Conditions, child)
		}

		return nil
	default:
		return fmt.Errorf("%w: operator %q", ErrConditionMalformed, raw.Operator)
	}
}

func (n *ConditionNode) MarshalJSON() ([]byte, error) {
	if n.IsLeaf() {
		return json.Marshal(struct {
			Parameter string  `json:"parameter"`
			Operator  string  `json:"operator"`
			Value     float64 `json:"value"`
		}{n.Parameter, string(n.Op), n.Value})
	}

	return json.Marshal(struct {
		Operator   string           `json:"operator"`
		Conditions []*ConditionNode `json:"conditions"`
	}{string(n.GroupOp), n.Conditions})
}

// ScheduleConfig carries the schedule payload for time_window and
// date_range rules. Times are HH:MM, dates YYYY-MM-DD, days ISO weekdays
// (1=Monday .. 7=Sunday).
type ScheduleConfig struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Days      []int  `json:"days,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// NotificationChannels selects delivery transports for a rule's alerts.
type NotificationChannels struct {
	Email    bool `json:"email"`
	WhatsApp bool `json:"whatsapp"`
}

// Rule is an alert condition owned by one factory.
type Rule struct {
	ID                   int64                `json:"id"`
	FactoryID            int64                `json:"factory_id"`
	Name                 string               `json:"name"`
	Description          string               `json:"description,omitempty"`
	Scope                RuleScope            `json:"scope"`
	DeviceIDs            []int64              `json:"device_ids,omitempty"`
	Conditions           *ConditionNode       `json:"conditions"`
	CooldownMinutes      int                  `json:"cooldown_minutes"`
	IsActive             bool                 `json:"is_active"`
	ScheduleType         ScheduleType         `json:"schedule_type"`
	ScheduleConfig       *ScheduleConfig      `json:"schedule_config,omitempty"`
	Severity             Severity             `json:"severity"`
	NotificationChannels NotificationChannels `json:"notification_channels"`
}
