package notify

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// templateFuncs are available to webhook payload templates. Use json to
// embed free text such as the alert message in a JSON body.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"json":   toJSON,
		"indent": indent,
		"upper":  strings.ToUpper,
		"lower":  strings.ToLower,
		"sha256": sha256Hex,
	}
}

// toJSON renders v as a compact JSON value
func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// indent prefixes every line of s, leaving an empty last line alone
func indent(prefix, s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" || i < len(lines)-1 {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// sha256Hex gives a stable dedup key for receivers that need one
func sha256Hex(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}
