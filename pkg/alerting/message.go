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

package alerting

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carverauto/factoryops/pkg/models"
)

// buildMessage renders the human-readable alert text. It walks the rule's
// condition tree in order and reports each referenced parameter's observed
// value, so the same rule and metrics always produce the same message.
func buildMessage(rule *models.Rule, metrics map[string]float64) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Rule %q triggered", rule.Name)

	parts := make([]string, 0, 4)
	seen := make(map[string]struct{})

	collectLeafValues(rule.Conditions, metrics, seen, &parts)

	if len(parts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, ", "))
	}

	return b.String()
}

func collectLeafValues(node *models.ConditionNode, metrics map[string]float64, seen map[string]struct{}, parts *[]string) {
	if node == nil {
		return
	}

	if node.IsLeaf() {
		if _, dup := seen[node.Parameter]; dup {
			return
		}

		seen[node.Parameter] = struct{}{}

		if value, ok := metrics[node.Parameter]; ok {
			*parts = append(*parts, fmt.Sprintf("%s=%s (%s %s)",
				node.Parameter,
				formatValue(value),
				node.Op,
				formatValue(node.Value)))
		}

		return
	}

	for _, child := range node.Conditions {
		collectLeafValues(child, metrics, seen, parts)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
