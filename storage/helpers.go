package storage

import (
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"
)

// nullString returns a sql.NullString for optional string values.
// Empty strings are stored as NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTimePtr returns a sql.NullTime for optional *time.Time values.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a scanned sql.NullTime back to an optional pointer.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// encodeStrings marshals a string slice to a JSON NullString column value.
// Empty slices are stored as NULL.
func encodeStrings(values []string) sql.NullString {
	if len(values) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

// decodeStrings parses a JSON NullString column back to a string slice.
func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil
	}
	return values
}

// MD5Hex returns the hex MD5 digest of a firmware blob. Printers verify
// this digest after download; it is an integrity check, not a security
// boundary.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the hex SHA-256 digest of a firmware blob, served as a
// download header for clients that want a stronger check than MD5.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CounterDate formats a time as the UTC calendar date used by the daily
// message counter.
func CounterDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
