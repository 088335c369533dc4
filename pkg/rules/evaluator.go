/*
 * Copyright 2026 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package rules evaluates alert rules against telemetry. Everything here
// is pure: same (rule, metrics, now, tz) in, same answer out, no I/O.
package rules

import (
	"math"
	"time"

	"github.com/carverauto/factoryops/pkg/models"
)

// Outcome is the tri-state result of evaluating a condition node. A leaf
// whose parameter is absent from the metrics yields Undetermined, which
// groups eliminate rather than treating as false.
type Outcome int

const (
	False Outcome = iota
	True
	Undetermined
)

// eqRelTolerance is the relative tolerance for float equality.
const eqRelTolerance = 1e-9

// Evaluate reports whether the rule fires for one telemetry message.
// Undetermined at the root does not fire.
func Evaluate(rule *models.Rule, metrics map[string]float64, now time.Time, tz *time.Location) bool {
	if rule.Conditions == nil {
		return false
	}

	if !IsScheduled(rule, now, tz) {
		return false
	}

	return EvaluateTree(rule.Conditions, metrics) == True
}

// EvaluateTree walks the condition tree. Short-circuits where that cannot
// change the strict result.
func EvaluateTree(node *models.ConditionNode, metrics map[string]float64) Outcome {
	if node.IsLeaf() {
		value, ok := metrics[node.Parameter]
		if !ok {
			return Undetermined
		}

		if compare(node.Op, value, node.Value) {
			return True
		}

		return False
	}

	switch node.GroupOp {
	case models.GroupAND:
		return evalAND(node.Conditions, metrics)
	case models.GroupOR:
		return evalOR(node.Conditions, metrics)
	default:
		return Undetermined
	}
}

// evalAND: any false → false; all undetermined → undetermined; otherwise
// the AND of the defined children, which at this point are all true.
func evalAND(children []*models.ConditionNode, metrics map[string]float64) Outcome {
	sawDefined := false

	for _, child := range children {
		switch EvaluateTree(child, metrics) {
		case False:
			return False
		case True:
			sawDefined = true
		case Undetermined:
		}
	}

	if !sawDefined {
		return Undetermined
	}

	return True
}

// evalOR: any true → true; all undetermined → undetermined; else false.
func evalOR(children []*models.ConditionNode, metrics map[string]float64) Outcome {
	sawDefined := false

	for _, child := range children {
		switch EvaluateTree(child, metrics) {
		case True:
			return True
		case False:
			sawDefined = true
		case Undetermined:
		}
	}

	if !sawDefined {
		return Undetermined
	}

	return False
}

func compare(op models.CompareOp, value, threshold float64) bool {
	switch op {
	case models.OpGT:
		return value > threshold
	case models.OpLT:
		return value < threshold
	case models.OpGTE:
		return value >= threshold
	case models.OpLTE:
		return value <= threshold
	case models.OpEQ:
		return floatEq(value, threshold)
	case models.OpNEQ:
		return !floatEq(value, threshold)
	default:
		return false
	}
}

func floatEq(a, b float64) bool {
	return math.Abs(a-b) <= eqRelTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
