package transport

import (
	"encoding/json"
	"net/http"
)

// Status classifies a server response.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusInvalid         Status = "invalid"
	StatusPayloadTooLarge Status = "payload_too_large"
	StatusRateLimit       Status = "rate_limit"
	StatusTimeout         Status = "timeout"
	StatusFailed          Status = "failed"
	StatusUnknown         Status = "unknown"
)

// StatusFromCode maps an HTTP status code onto a Status.
func StatusFromCode(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == http.StatusTooManyRequests:
		return StatusRateLimit
	case code == http.StatusRequestEntityTooLarge:
		return StatusPayloadTooLarge
	case code == http.StatusRequestTimeout:
		return StatusTimeout
	case code >= 400 && code < 500:
		return StatusInvalid
	case code >= 500:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// SuccessBody is returned by the ingestion service on success.
type SuccessBody struct {
	EventsIngested   int   `json:"eventsIngested"`
	PayloadSizeBytes int   `json:"payloadSizeBytes"`
	ServerUploadTime int64 `json:"serverUploadTime"`
}

// InvalidBody describes a 400-class validation failure. The index maps are
// keyed by field name and list the offending positions in the batch.
type InvalidBody struct {
	Error                      string           `json:"error"`
	MissingField               string           `json:"missingField"`
	EventsWithInvalidFields    map[string][]int `json:"eventsWithInvalidFields"`
	EventsWithMissingFields    map[string][]int `json:"eventsWithMissingFields"`
	EventsWithInvalidIDLengths map[string][]int `json:"eventsWithInvalidIdLengths"`
	EPSThreshold               int              `json:"epsThreshold"`
	ExceededDailyQuotaDevices  map[string]int   `json:"exceededDailyQuotaDevices"`
	SilencedDevices            []string         `json:"silencedDevices"`
	SilencedEvents             []int            `json:"silencedEvents"`
	ThrottledDevices           map[string]int   `json:"throttledDevices"`
	ThrottledEvents            []int            `json:"throttledEvents"`
}

// DropIndexes returns every batch position the server rejected individually.
func (b *InvalidBody) DropIndexes() map[int]struct{} {
	out := map[int]struct{}{}
	for _, group := range []map[string][]int{b.EventsWithInvalidFields, b.EventsWithMissingFields, b.EventsWithInvalidIDLengths} {
		for _, idx := range group {
			for _, i := range idx {
				out[i] = struct{}{}
			}
		}
	}
	for _, i := range b.SilencedEvents {
		out[i] = struct{}{}
	}
	return out
}

// PayloadTooLargeBody accompanies a 413.
type PayloadTooLargeBody struct {
	Error string `json:"error"`
}

// RateLimitBody accompanies a 429.
type RateLimitBody struct {
	Error                     string         `json:"error"`
	EPSThreshold              int            `json:"epsThreshold"`
	ThrottledDevices          map[string]int `json:"throttledDevices"`
	ThrottledUsers            map[string]int `json:"throttledUsers"`
	ExceededDailyQuotaDevices map[string]int `json:"exceededDailyQuotaDevices"`
	ExceededDailyQuotaUsers   map[string]int `json:"exceededDailyQuotaUsers"`
	ThrottledEvents           []int          `json:"throttledEvents"`
}

// Response is the structured outcome of one send. Exactly one of the typed
// bodies is set, matching Status; Body keeps the raw decoded object.
type Response struct {
	Status     Status
	StatusCode int
	Body       map[string]any

	Success         *SuccessBody
	Invalid         *InvalidBody
	PayloadTooLarge *PayloadTooLargeBody
	RateLimit       *RateLimitBody
}

// HasBody reports whether the server sent a JSON body.
func (r *Response) HasBody() bool { return r != nil && r.Body != nil }

// ParseResponse builds a Response from a status code and raw JSON. It returns
// nil when raw is present but is not a JSON object.
func ParseResponse(code int, raw []byte) *Response {
	res := &Response{Status: StatusFromCode(code), StatusCode: code}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res.Body); err != nil {
			return nil
		}
	}
	switch res.Status {
	case StatusSuccess:
		res.Success = &SuccessBody{}
		decodeInto(raw, res.Success)
	case StatusInvalid:
		res.Invalid = &InvalidBody{}
		decodeInto(raw, res.Invalid)
	case StatusPayloadTooLarge:
		res.PayloadTooLarge = &PayloadTooLargeBody{}
		decodeInto(raw, res.PayloadTooLarge)
	case StatusRateLimit:
		res.RateLimit = &RateLimitBody{}
		decodeInto(raw, res.RateLimit)
	}
	return res
}

// decodeInto is lenient: a body that does not match the typed shape leaves
// zero values behind.
func decodeInto(raw []byte, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}
