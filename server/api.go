package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/recent-messages/messages"
)

// apiError is the JSON error envelope every non-2xx API response uses.
type apiError struct {
	Status        int    `json:"status"`
	StatusMessage string `json:"status_message"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code"`
}

const (
	codeInvalidChannelLogin = "invalid_channel_login"
	codeChannelIgnored      = "channel_ignored"
	codeInvalidQuery        = "invalid_query"
	codeMalformedBody       = "malformed_body"
	codeUnauthorized        = "unauthorized"
	codeInternalError       = "internal_server_error"
	codeChannelNotJoined    = "channel_not_joined"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", slog.Any("err", err))
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{
		Status:        status,
		StatusMessage: http.StatusText(status),
		Error:         message,
		ErrorCode:     code,
	})
}

// recentMessagesResponse is the 200 body of the recent-messages endpoint.
// error/error_code carry the soft channel_not_joined condition; messages may
// still hold a previously persisted window.
type recentMessagesResponse struct {
	Messages  []string `json:"messages"`
	Error     *string  `json:"error"`
	ErrorCode *string  `json:"error_code"`
}

// queryParam returns the first present value among the given keys. The older
// API revision used camelCase names; both spellings stay accepted.
func queryParam(r *http.Request, keys ...string) (string, bool) {
	q := r.URL.Query()
	for _, k := range keys {
		if q.Has(k) {
			return q.Get(k), true
		}
	}
	return "", false
}

// parseExportOptions reads the filter options from the query string. The
// limit is clamped to maxLimit; limit=0 legitimately selects nothing.
func parseExportOptions(r *http.Request, maxLimit int) (messages.ExportOptions, error) {
	opts := messages.ExportOptions{Limit: maxLimit}

	if v, ok := queryParam(r, "limit"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, errInvalidQuery("limit must be a non-negative integer")
		}
		if n < maxLimit {
			opts.Limit = n
		}
	}
	if v, ok := queryParam(r, "before"); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, errInvalidQuery("before must be a unix milliseconds timestamp")
		}
		opts.Before = &ms
	}
	if v, ok := queryParam(r, "after"); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, errInvalidQuery("after must be a unix milliseconds timestamp")
		}
		opts.After = &ms
	}

	var err error
	if opts.HideModerationMessages, err = boolParam(r, "hide_moderation_messages", "hideModerationMessages"); err != nil {
		return opts, err
	}
	if opts.HideModeratedMessages, err = boolParam(r, "hide_moderated_messages", "hideModeratedMessages"); err != nil {
		return opts, err
	}
	if opts.ClearchatToNotice, err = boolParam(r, "clearchat_to_notice", "clearchatToNotice"); err != nil {
		return opts, err
	}
	return opts, nil
}

func boolParam(r *http.Request, keys ...string) (bool, error) {
	v, ok := queryParam(r, keys...)
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errInvalidQuery(keys[0] + " must be true or false")
	}
	return b, nil
}

type queryError string

func (e queryError) Error() string { return string(e) }

func errInvalidQuery(msg string) error { return queryError(msg) }
