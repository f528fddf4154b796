package codec

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
)

// Format selects the upstream answer body grammar. The framing is an external
// contract with the DoH provider, so it is configuration rather than code.
type Format int

const (
	// FormatText is a semicolon-delimited address list: "<ip>[;<ip>...]".
	FormatText Format = iota
	// FormatJSON is the JSON document shape used by the big public DoH
	// providers: {"Status":0,"Answer":[{"name","type","TTL","data"},...]}.
	FormatJSON
)

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unknown upstream body format %q", s)
}

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	}
	return "unknown"
}

const (
	// maxAnswerRecords caps how many records a body may carry. Anything
	// past the cap is a structural anomaly, not a truncation.
	maxAnswerRecords = 64

	// maxTextFieldLength caps one semicolon-delimited field. The longest
	// IPv4 literal is 15 bytes; the slack tolerates whitespace padding.
	maxTextFieldLength = 64
)

// ParseAnswerBody decodes an upstream answer body into an Answer. A body that
// carries no records yields an empty Answer and no error; a body that does
// not match the grammar yields ErrBadUpstreamBody and the query is dropped.
func ParseAnswerBody(body []byte, format Format) (Answer, error) {
	switch format {
	case FormatText:
		return parseTextBody(body)
	case FormatJSON:
		return parseJSONBody(body)
	}
	return Answer{}, fmt.Errorf("%w: unknown format %d", ErrBadUpstreamBody, format)
}

// parseTextBody tokenizes "<ip>[;<ip>...]" with explicit field count and
// field length bounds. A trailing semicolon or newline is tolerated; any
// non-address field is an error.
func parseTextBody(body []byte) (Answer, error) {
	var ans Answer

	rest := strings.TrimRight(string(body), "\r\n")
	for field := 0; len(rest) > 0; field++ {
		if field >= maxAnswerRecords {
			return Answer{}, fmt.Errorf("%w: more than %d records", ErrBadUpstreamBody, maxAnswerRecords)
		}

		token := rest
		if idx := strings.IndexByte(rest, ';'); idx >= 0 {
			token, rest = rest[:idx], rest[idx+1:]
		} else {
			rest = ""
		}

		if len(token) > maxTextFieldLength {
			return Answer{}, fmt.Errorf("%w: field %d exceeds %d bytes", ErrBadUpstreamBody, field, maxTextFieldLength)
		}

		token = strings.TrimSpace(token)
		if token == "" {
			// Trailing delimiter.
			if rest == "" {
				break
			}
			return Answer{}, fmt.Errorf("%w: empty field %d", ErrBadUpstreamBody, field)
		}

		addr, err := netip.ParseAddr(token)
		if err != nil || !addr.Unmap().Is4() {
			return Answer{}, fmt.Errorf("%w: field %d is not an IPv4 address", ErrBadUpstreamBody, field)
		}
		ans.Addrs = append(ans.Addrs, addr.Unmap())
	}

	return ans, nil
}

// jsonAnswerRecord is one entry of the "Answer" array.
type jsonAnswerRecord struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  int64  `json:"TTL"`
	Data string `json:"data"`
}

// jsonAnswerBody mirrors the provider JSON document. Fields the relay does
// not act on are kept for decoding tolerance.
type jsonAnswerBody struct {
	Status int                `json:"Status"`
	TC     bool               `json:"TC"`
	RD     bool               `json:"RD"`
	RA     bool               `json:"RA"`
	Answer []jsonAnswerRecord `json:"Answer"`
}

func parseJSONBody(body []byte) (Answer, error) {
	var doc jsonAnswerBody
	if err := json.Unmarshal(body, &doc); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrBadUpstreamBody, err)
	}

	// Non-zero Status mirrors "no record": the client gets an empty
	// NOERROR answer, never an upstream-specific error code.
	if doc.Status != 0 {
		return Answer{}, nil
	}

	if len(doc.Answer) > maxAnswerRecords {
		return Answer{}, fmt.Errorf("%w: more than %d records", ErrBadUpstreamBody, maxAnswerRecords)
	}

	var ans Answer
	for i, rec := range doc.Answer {
		// CNAMEs and other non-address records ride along in provider
		// answers; only address records contribute.
		if rec.Type != 1 {
			continue
		}
		addr, err := netip.ParseAddr(rec.Data)
		if err != nil || !addr.Unmap().Is4() {
			return Answer{}, fmt.Errorf("%w: answer %d is not an IPv4 address", ErrBadUpstreamBody, i)
		}
		ans.Addrs = append(ans.Addrs, addr.Unmap())
	}

	return ans, nil
}
