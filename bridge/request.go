package bridge

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jmcarbo/ssebridge/frame"
)

const (
	headerPath            = ":path"
	headerMethod          = ":method"
	headerStatus          = ":status"
	headerAccept          = "accept"
	headerLastEventID     = "last-event-id"
	headerContentType     = "content-type"
	headerPreflightMethod = "access-control-request-method"
	headerPreflightHeader = "access-control-request-headers"
)

// foldHeaders folds an ordered header list into a map, joining values of
// duplicate names with ", " in insertion order.
func foldHeaders(headers []frame.Header) map[string]string {
	folded := make(map[string]string, len(headers))
	for _, h := range headers {
		if prev, ok := folded[h.Name]; ok {
			folded[h.Name] = prev + ", " + h.Value
			continue
		}
		folded[h.Name] = h.Value
	}
	return folded
}

var lastEventIDParam = regexp.MustCompile(`(\?|&)lastEventId=([^&]*)(&|$)`)

// parseRequest derives the forwarded path and the last event id from a folded
// request header map. A last-event-id header wins over a lastEventId query
// parameter; the parameter is scrubbed from the forwarded path either way,
// preserving the surrounding separators.
func parseRequest(headers map[string]string) (pathInfo, lastEventID string) {
	pathInfo = headers[headerPath]
	lastEventID, haveID := headers[headerLastEventID]

	q := strings.IndexByte(pathInfo, '?')
	if q < 0 {
		return pathInfo, lastEventID
	}
	path, query := pathInfo[:q], pathInfo[q:]

	for {
		loc := lastEventIDParam.FindStringSubmatchIndex(query)
		if loc == nil {
			break
		}
		if !haveID {
			candidate := query[loc[4]:loc[5]]
			if strings.Contains(candidate, "%") {
				if decoded, err := url.PathUnescape(candidate); err == nil {
					candidate = decoded
				}
			}
			lastEventID, haveID = candidate, true
		}
		if loc[6] == loc[7] {
			// No trailing separator: the leading one goes with the parameter.
			query = query[:loc[0]] + query[loc[1]:]
		} else {
			// Keep the leading separator, drop the parameter and its trailer.
			query = query[:loc[3]] + query[loc[1]:]
		}
	}

	return path + query, lastEventID
}

// timestampRequested reports whether the request negotiated per-event
// timestamps via the accept header.
func timestampRequested(headers map[string]string) bool {
	return strings.Contains(headers[headerAccept], "ext=timestamp")
}

// corsPreflight reports whether the folded headers describe a CORS preflight
// probe of the subscription endpoint.
func corsPreflight(headers map[string]string) bool {
	if headers[headerMethod] != "OPTIONS" {
		return false
	}
	_, m := headers[headerPreflightMethod]
	_, h := headers[headerPreflightHeader]
	return m || h
}
