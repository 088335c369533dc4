package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	ErrMetricNotNumeric = errors.New("metric value is not a finite number")
	ErrMetricsEmpty     = errors.New("metrics object is empty")
)

// MetricValue is a tagged numeric variant. Telemetry payloads are
// open-schema; the only thing enforced at the edge is that every value is a
// finite JSON number. Integer-form numbers keep their int identity so that
// parameter discovery can infer data_type.
type MetricValue struct {
	IsInt bool
	Int   int64
	Float float64
}

// AsFloat returns the value widened to float64, the form rule evaluation
// and time-series writes consume.
func (v MetricValue) AsFloat() float64 {
	if v.IsInt {
		return float64(v.Int)
	}

	return v.Float
}

// DataType maps the value form onto a parameter data type.
func (v MetricValue) DataType() DataType {
	if v.IsInt {
		return DataTypeInt
	}

	return DataTypeFloat
}

func (v *MetricValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '"' || trimmed[0] == '{' || trimmed[0] == '[' ||
		bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("true")) || bytes.Equal(trimmed, []byte("false")) {
		return fmt.Errorf("%w: %s", ErrMetricNotNumeric, trimmed)
	}

	if i, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		v.IsInt = true
		v.Int = i

		return nil
	}

	f, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %s", ErrMetricNotNumeric, trimmed)
	}

	v.Float = f

	return nil
}

func (v MetricValue) MarshalJSON() ([]byte, error) {
	if v.IsInt {
		return json.Marshal(v.Int)
	}

	return json.Marshal(v.Float)
}

// Metrics is the open-schema metric map of one telemetry message.
type Metrics map[string]MetricValue

// Floats returns the metrics widened to float64 keyed by metric key.
func (m Metrics) Floats() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.AsFloat()
	}

	return out
}

// TelemetrySample is one validated reading bound for the time-series store.
type TelemetrySample struct {
	FactoryID int64
	DeviceID  int64
	Metrics   Metrics
	Timestamp time.Time
	// Clamped marks samples whose timestamp was more than five minutes in
	// the future and was pulled back to ingestion time.
	Clamped bool
}
