package wal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// HeaderMap is the subset of request headers needed to replay a write:
// content-type and authorization. Stored as JSONB.
type HeaderMap map[string]string

// Value implements driver.Valuer for JSONB storage.
func (h HeaderMap) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *HeaderMap) Scan(src any) error {
	if src == nil {
		*h = HeaderMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("wal: headers: unsupported scan type %T", src)
	}
	m := make(HeaderMap)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("wal: headers: unmarshal: %w", err)
		}
	}
	*h = m
	return nil
}

// allowedReplayHeaders names the headers a WAL entry carries for replay.
// Nothing in this package reads it; the router copies the same set into
// each entry using its own inboundHeaderAllowList.
var allowedReplayHeaders = []string{"Content-Type", "Authorization"}
