package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseQuery parses a raw query string into lower case keys. A '&'
// preceded by a backslash is kept as part of the value, which lets
// band expressions use logical and.
func ParseQuery(query string) (url.Values, error) {
	m := make(url.Values)
	var firstErr error
	for query != "" {
		key := query
		iSep := -1
		for i := 0; i < len(key); i++ {
			if key[i] == '&' && (i == 0 || key[i-1] != '\\') {
				iSep = i
				break
			}
		}
		if iSep >= 0 {
			key, query = key[:iSep], key[iSep+1:]
		} else {
			query = ""
		}
		if key == "" {
			continue
		}

		value := ""
		if i := strings.Index(key, "="); i >= 0 {
			key, value = key[:i], strings.Replace(key[i+1:], "\\&", "&", -1)
		}
		k, err := url.QueryUnescape(key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		k = strings.ToLower(k)
		m[k] = append(m[k], v)
	}
	return m, firstErr
}

// ParseRemoteAddr returns the client address, preferring proxy
// headers.
func ParseRemoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); len(fwd) > 0 {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if real := r.Header.Get("X-Real-Ip"); len(real) > 0 {
		return real
	}
	return r.RemoteAddr
}

// QueryTime parses an optional ISO date parameter.
func QueryTime(query url.Values, key string) (*time.Time, error) {
	v := strings.TrimSpace(query.Get(key))
	if len(v) == 0 {
		return nil, nil
	}
	t, err := ParseISODate(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", key, err)
	}
	return &t, nil
}

// QueryBBox parses "minx,miny,maxx,maxy".
func QueryBBox(query url.Values, key string) ([]float64, error) {
	v := strings.TrimSpace(query.Get(key))
	if len(v) == 0 {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%s: expecting 4 comma separated numbers", key)
	}
	bbox := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", key, err)
		}
		bbox[i] = f
	}
	if bbox[0] > bbox[2] || bbox[1] > bbox[3] {
		return nil, fmt.Errorf("%s: min corner above max corner", key)
	}
	return bbox, nil
}
