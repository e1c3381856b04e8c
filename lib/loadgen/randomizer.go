package loadgen

import (
	"bytes"
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	minRandomStringLen = 5
	maxRandomStringLen = 20
)

func RandomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// RandomizePayload decodes template, replaces every selected field with a
// random value of the same kind, and re-encodes it. The template bytes are
// never modified.
func RandomizePayload(template json.RawMessage, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		return template, nil
	}

	dec := json.NewDecoder(bytes.NewReader(template))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}

	return json.Marshal(Randomize(value, fields))
}

// Randomize returns a copy of template with the dot-path selectors in fields
// replaced by random values. Intermediate segments are created as empty
// objects when absent; a selector whose intermediate segment holds a
// non-object value is skipped. A template that is not a JSON object is
// returned as a copy unchanged.
func Randomize(template any, fields []string) any {
	value := deepCopy(template)
	root, ok := value.(map[string]any)
	if !ok {
		return value
	}

	for _, field := range fields {
		if field == "" {
			continue
		}
		path := strings.Split(field, ".")
		parent := lookupParent(root, path[:len(path)-1])
		if parent == nil {
			continue
		}
		leaf := path[len(path)-1]
		current, exists := parent[leaf]
		if !exists {
			parent[leaf] = randomString()
			continue
		}
		parent[leaf] = randomLike(current)
	}

	return root
}

// lookupParent walks path from root, creating missing objects. It returns nil
// when a segment exists but is not an object.
func lookupParent(root map[string]any, path []string) map[string]any {
	parent := root
	for _, key := range path {
		existing, exists := parent[key]
		if !exists {
			child := make(map[string]any)
			parent[key] = child
			parent = child
			continue
		}
		child, ok := existing.(map[string]any)
		if !ok {
			return nil
		}
		parent = child
	}
	return parent
}

func randomString() string {
	return RandomString(minRandomStringLen + rand.IntN(maxRandomStringLen-minRandomStringLen))
}

func randomLike(current any) any {
	switch v := current.(type) {
	case string:
		return randomString()
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return json.Number(strconv.FormatInt(rand.Int64(), 10))
		}
		return json.Number(strconv.FormatFloat(rand.Float64()*100, 'f', -1, 64))
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return rand.Int64()
		}
		return rand.Float64() * 100
	case int, int32, int64, uint, uint32, uint64:
		return rand.Int64()
	case bool:
		return rand.IntN(2) == 0
	default:
		// null, objects and arrays pass through
		return current
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, child := range v {
			m[key] = deepCopy(child)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, child := range v {
			s[i] = deepCopy(child)
		}
		return s
	default:
		return v
	}
}
