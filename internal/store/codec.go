package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/terminal-bench/agentworld/pkg/decimal"
)

// Fields is an encoded hash record ready for HSET.
type Fields map[string]interface{}

// Time encodes a timestamp as unix milliseconds. The zero time encodes as 0.
func Time(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Decoder reads typed fields out of an HGETALL result and accumulates the
// first error, so entity decoders stay linear.
type Decoder struct {
	rec    map[string]string
	entity string
	err    error
}

// NewDecoder wraps a raw hash. entity names the record in error messages.
func NewDecoder(entity string, rec map[string]string) *Decoder {
	return &Decoder{rec: rec, entity: entity}
}

// Empty reports whether the hash had no fields, i.e. the key was missing.
func (d *Decoder) Empty() bool {
	return len(d.rec) == 0
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(field string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("decode %s.%s: %w", d.entity, field, err)
	}
}

// Required returns a non-empty string field.
func (d *Decoder) Required(field string) string {
	v := strings.TrimSpace(d.rec[field])
	if v == "" {
		d.fail(field, fmt.Errorf("missing"))
	}
	return v
}

// String returns a string field, empty if absent.
func (d *Decoder) String(field string) string {
	return d.rec[field]
}

// Int64 returns an integer field, zero if absent.
func (d *Decoder) Int64(field string) int64 {
	v, ok := d.rec[field]
	if !ok || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		d.fail(field, err)
	}
	return n
}

// Int returns an int field, zero if absent.
func (d *Decoder) Int(field string) int {
	return int(d.Int64(field))
}

// Bool returns a boolean field, false if absent.
func (d *Decoder) Bool(field string) bool {
	v, ok := d.rec[field]
	if !ok || v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		d.fail(field, err)
	}
	return b
}

// Time returns a unix-millisecond timestamp field, zero time if absent.
func (d *Decoder) Time(field string) time.Time {
	ms := d.Int64(field)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Duration returns a millisecond duration field.
func (d *Decoder) Duration(field string) time.Duration {
	return time.Duration(d.Int64(field)) * time.Millisecond
}

// Amount returns a decimal amount field, zero if absent.
func (d *Decoder) Amount(field string) decimal.Amount {
	a, err := decimal.ParseOrZero(d.rec[field])
	if err != nil {
		d.fail(field, err)
	}
	return a
}

// OneOf returns a string field restricted to the allowed values.
func (d *Decoder) OneOf(field string, allowed ...string) string {
	v := d.rec[field]
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	d.fail(field, fmt.Errorf("unexpected value %q", v))
	return v
}
