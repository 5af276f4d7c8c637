package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

const (
	// maxJSONDepth bounds nesting in request bodies. Deep nesting is
	// never legitimate device traffic, only decoder abuse.
	maxJSONDepth = 16

	// maxFieldBytes bounds a single string field (8 KiB).
	maxFieldBytes = 8 << 10

	// maxQueryParamBytes bounds a single query parameter value.
	maxQueryParamBytes = 512
)

// sqlDenylist holds conservative injection probes. Each pattern needs a
// multi-token SQL phrase, so prose containing a lone keyword ("select a
// mode", "drop me a line") passes. Patterns run against the raw string,
// before HTML encoding rewrites it.
var sqlDenylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\b(?:drop|truncate)\s+table\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
	regexp.MustCompile(`(?i)\b(?:exec|execute)\s+(?:sp|xp)_\w`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`(?i)'\s*(?:or|and)\s*'`),
	regexp.MustCompile(`;\s*--`),
}

// htmlEscaper neutralises the markup-significant characters in text
// fields. Quotes are left alone: encoding them would mangle ordinary
// names like "O'Brien's sensor".
var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// sanitizeMiddleware scrubs inbound request data before any handler
// decodes it. Query parameter values are checked against the denylist
// and length cap; JSON bodies on mutating methods are additionally
// depth-limited and have their string fields HTML-encoded, then the
// body is re-serialised for the handler.
//
// Numbers survive the round trip byte-exact: the decoder runs in
// UseNumber mode, so values are held as their original text rather
// than float64.
func (s *Server) sanitizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := checkQueryParams(r); err != nil {
			writeValidation(w, r, err.Error())
			return
		}

		if !mutatingMethod(r.Method) || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeValidation(w, r, "request body exceeds the 1 MiB limit")
			} else {
				writeValidation(w, r, "could not read request body")
			}
			return
		}

		if len(bytes.TrimSpace(body)) == 0 {
			r.Body = io.NopCloser(bytes.NewReader(nil))
			r.ContentLength = 0
			next.ServeHTTP(w, r)
			return
		}

		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			writeValidation(w, r, "malformed JSON body")
			return
		}
		if dec.More() {
			writeValidation(w, r, "trailing data after JSON body")
			return
		}

		clean, err := sanitizeValue(doc, 0)
		if err != nil {
			writeValidation(w, r, err.Error())
			return
		}

		buf, err := json.Marshal(clean)
		if err != nil {
			writeInternal(w, r, "internal server error")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

// mutatingMethod reports whether the method carries a body worth scrubbing.
func mutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

// checkQueryParams rejects hostile query parameter values. The values
// are validated but never rewritten; encoding them would corrupt
// timestamps and measurement names before the handler reads them.
func checkQueryParams(r *http.Request) error {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			if len(v) > maxQueryParamBytes {
				return fmt.Errorf("query parameter %q exceeds %d bytes", name, maxQueryParamBytes)
			}
			if matchesDenylist(v) {
				return fmt.Errorf("query parameter %q contains a disallowed pattern", name)
			}
		}
	}
	return nil
}

// sanitizeValue walks a decoded JSON document, enforcing the depth and
// field limits and HTML-encoding every string, keys included.
func sanitizeValue(v any, depth int) (any, error) {
	if depth > maxJSONDepth {
		return nil, fmt.Errorf("JSON nesting exceeds %d levels", maxJSONDepth)
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			cleanKey, err := sanitizeString(k)
			if err != nil {
				return nil, err
			}
			cleanItem, err := sanitizeValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[cleanKey] = cleanItem
		}
		return out, nil
	case []any:
		for i, item := range val {
			clean, err := sanitizeValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			val[i] = clean
		}
		return val, nil
	case string:
		return sanitizeString(val)
	default:
		// json.Number, bool, nil pass through untouched.
		return v, nil
	}
}

// sanitizeString enforces the field length cap and denylist, then
// HTML-encodes the survivors.
func sanitizeString(s string) (string, error) {
	if len(s) > maxFieldBytes {
		return "", fmt.Errorf("string field exceeds %d bytes", maxFieldBytes)
	}
	if matchesDenylist(s) {
		return "", errors.New("request contains a disallowed pattern")
	}
	return htmlEscaper.Replace(s), nil
}

func matchesDenylist(s string) bool {
	for _, p := range sqlDenylist {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
