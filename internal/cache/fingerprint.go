package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidDescriptor = errors.New("invalid descriptor")

// FoldedFields names the descriptor fields whose string values compare
// case-insensitively. Every other value keeps its case.
var FoldedFields = []string{"format", "encoding", "units", "mode", "quality"}

// Normalize rewrites a JSON object descriptor into its canonical form: keys
// trimmed and lower-cased, string values with whitespace collapsed (and
// case-folded under FoldedFields), numbers in shortest form, nulls dropped.
// Array order is significant.
func Normalize(descriptor []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(descriptor))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidDescriptor)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: descriptor must be a JSON object", ErrInvalidDescriptor)
	}
	c, err := canonical(v, false)
	if err != nil {
		return nil, err
	}
	return encode(c)
}

// Fingerprint is the hex SHA-256 of the scope strings followed by the
// normalized descriptor.
func Fingerprint(descriptor []byte, scope ...string) (string, error) {
	norm, err := Normalize(descriptor)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, s := range scope {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(s))))
		h.Write([]byte{0})
	}
	h.Write(norm)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonical rewrites v. fold is set beneath a field named in FoldedFields.
func canonical(v any, fold bool) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if e == nil {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(k))
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidDescriptor, key)
			}
			c, err := canonical(e, fold || foldedField(key))
			if err != nil {
				return nil, err
			}
			out[key] = c
		}
		return out, nil
	case []any:
		items := make([]any, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			c, err := canonical(e, fold)
			if err != nil {
				return nil, err
			}
			items = append(items, c)
		}
		return items, nil
	case string:
		s := strings.Join(strings.Fields(t), " ")
		if fold {
			s = strings.ToLower(s)
		}
		return s, nil
	case json.Number:
		return canonicalNumber(t)
	default:
		return t, nil
	}
}

func foldedField(key string) bool {
	for _, f := range FoldedFields {
		if f == key {
			return true
		}
	}
	return false
}

func canonicalNumber(n json.Number) (json.Number, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return "", fmt.Errorf("%w: number %s", ErrInvalidDescriptor, n)
	}
	if f == float64(int64(f)) && f >= -1<<53 && f <= 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
