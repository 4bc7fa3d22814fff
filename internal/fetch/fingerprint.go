package fetch

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint derives the stable cache key for a job: the domain, the
// normalized path and query, and the set of requested fields. Two jobs asking
// the same question hash to the same key regardless of field order or query
// parameter order.
func Fingerprint(hasher Hasher, job Job) (string, error) {
	normalized, err := normalizeTarget(job.URL)
	if err != nil {
		return "", fmt.Errorf("normalize target: %w", err)
	}
	fields := append([]string(nil), job.Fields...)
	sort.Strings(fields)
	key := strings.Join([]string{
		strings.ToLower(job.Domain),
		normalized,
		strings.Join(fields, ","),
	}, "|")
	digest, err := hasher.Hash([]byte(key))
	if err != nil {
		return "", fmt.Errorf("hash fingerprint key: %w", err)
	}
	return digest, nil
}

func normalizeTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(u.EscapedPath(), "/"))
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			b.WriteString("&")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
		}
	}
	return b.String(), nil
}
