// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"fmt"
	"strings"
)

// NormalizeOutput trims captured output and caps it at maxChars characters.
// Output that is empty after trimming is reported as absent (nil). Truncated
// output ends with a marker naming the limit.
func NormalizeOutput(value string, maxChars int) *string {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return nil
	}
	runes := []rune(normalized)
	if maxChars <= 0 || len(runes) <= maxChars {
		return &normalized
	}
	truncated := string(runes[:maxChars]) + fmt.Sprintf("\n...[truncated to %d chars]", maxChars)
	return &truncated
}
