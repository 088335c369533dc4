package models

import "time"

// Device represents one piece of equipment publishing telemetry under a
// device key unique within its factory.
type Device struct {
	ID           int64      `json:"id"`
	FactoryID    int64      `json:"factory_id"`
	DeviceKey    string     `json:"device_key"`
	Name         string     `json:"name,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	Region       string     `json:"region,omitempty"`
	IsActive     bool       `json:"is_active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// DeviceParameter is one metric channel discovered on a device.
type DeviceParameter struct {
	ID            int64     `json:"id"`
	FactoryID     int64     `json:"factory_id"`
	DeviceID      int64     `json:"device_id"`
	ParameterKey  string    `json:"parameter_key"`
	DisplayName   string    `json:"display_name"`
	Unit          string    `json:"unit,omitempty"`
	DataType      DataType  `json:"data_type"`
	IsKPISelected bool      `json:"is_kpi_selected"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// DataType is the inferred value type of a device parameter.
type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeInt    DataType = "int"
	DataTypeString DataType = "string"
)
