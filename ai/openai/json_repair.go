// Copyright 2025 Poiesic Systems
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


package openai

import "strings"

// stripCodeFence removes a markdown code fence wrapped around a response.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// repairJSON restores the opening quote of object keys that models sometimes
// drop, turning `{name": "x"}` into `{"name": "x"}`. Everything else is
// copied unchanged.
func repairJSON(s string) string {
	in := []rune(s)
	out := make([]rune, 0, len(in)+16)
	inString := false

	for i := 0; i < len(in); i++ {
		ch := in[i]
		out = append(out, ch)

		switch {
		case ch == '"' && (i == 0 || in[i-1] != '\\'):
			inString = !inString
			continue
		case inString || (ch != '{' && ch != ','):
			continue
		}

		// Copy whitespace following the delimiter.
		j := i + 1
		for j < len(in) && isSpace(in[j]) {
			out = append(out, in[j])
			j++
		}
		// An unquoted key is a run of key characters closed by `":`.
		k := j
		for k < len(in) && isKeyRune(in[k]) {
			k++
		}
		if k > j && isLetter(in[j]) && k+1 < len(in) && in[k] == '"' && in[k+1] == ':' {
			out = append(out, '"')
			out = append(out, in[j:k]...)
			out = append(out, '"', ':')
			i = k + 1
			continue
		}
		i = j - 1
	}
	return string(out)
}

// normalizeWhitespace collapses runs of whitespace so prompts stay compact.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isKeyRune(r rune) bool {
	return isLetter(r) || r == '_' || (r >= '0' && r <= '9')
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
