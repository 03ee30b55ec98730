package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON turns a .json, .yaml or .yml file body into JSON with every
// "${NAME}" in a string value replaced from the environment, so secrets
// such as store.dsn or alerts.telegram.token can stay out of the file.
// The result is then decoded strictly by decode.
func toJSON(path string, data []byte) ([]byte, error) {
	var tree any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber() // keep chat ids exact
		if err := dec.Decode(&tree); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, fmt.Errorf("json: trailing data after config object")
		}
	}
	out, err := json.Marshal(expandTree(tree))
	if err != nil {
		return nil, fmt.Errorf("re-encode config: %w", err)
	}
	return out, nil
}

// expandTree walks decoded YAML/JSON, stringifying map keys (YAML allows
// non-string ones) and expanding env references in string leaves.
func expandTree(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = expandTree(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = expandTree(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandTree(x[i])
		}
		return x
	case string:
		return expandEnv(x)
	default:
		return in
	}
}

// expandEnv replaces ${NAME} with os.Getenv(NAME). A bare $ is left alone
// because tokens and DSNs may contain one.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(os.Getenv(s[i+2 : i+j]))
		s = s[i+j+1:]
	}
	b.WriteString(s)
	return b.String()
}
