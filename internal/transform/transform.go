// Package transform validates raw source fields and maps them onto the fixed
// canonical record shape. Records that fail validation are reported as skips
// and never abort their batch.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
)

// Fields names the source field for each canonical attribute. ID and Date
// are required; the rest are optional and ignored when empty.
type Fields struct {
	ID          string
	Date        string
	UpdatedAt   string
	Category    string
	Description string
	Location    string
	Latitude    string
	Longitude   string
}

// Transformer is a pure mapping from source fields to CanonicalRecord.
type Transformer struct {
	fields        Fields
	maxTextLength int
}

// New creates a Transformer. maxTextLength caps free-text fields in runes;
// zero leaves them untouched.
func New(fields Fields, maxTextLength int) *Transformer {
	if fields.ID == "" {
		fields.ID = "id"
	}
	if fields.Date == "" {
		fields.Date = "date"
	}
	return &Transformer{fields: fields, maxTextLength: maxTextLength}
}

var (
	errMissing = errors.New("required field missing")
	errType    = errors.New("unexpected type")
)

// Apply converts one record's fields. Errors are validation failures.
func (t *Transformer) Apply(fields map[string]any, offset int64) (record.CanonicalRecord, error) {
	out := record.CanonicalRecord{Offset: offset}

	id, err := t.identifier(fields)
	if err != nil {
		return out, failure.Validation("transform", err)
	}
	out.ID = id

	date, err := t.date(fields, t.fields.Date)
	if err != nil {
		return out, failure.Validation("transform", err)
	}
	out.EventDate = truncateToDate(date)

	if t.fields.UpdatedAt != "" {
		if _, present := fields[t.fields.UpdatedAt]; present {
			updated, err := t.date(fields, t.fields.UpdatedAt)
			if err != nil {
				return out, failure.Validation("transform", err)
			}
			out.UpdatedAt = updated
		}
	}

	out.Category = strings.ToUpper(t.text(fields, t.fields.Category))
	out.Description = t.text(fields, t.fields.Description)
	out.Location = t.text(fields, t.fields.Location)

	lat, lon, err := t.coordinates(fields)
	if err != nil {
		return out, failure.Validation("transform", err)
	}
	out.Latitude, out.Longitude = lat, lon

	return out, nil
}

func (t *Transformer) identifier(fields map[string]any) (string, error) {
	v, ok := fields[t.fields.ID]
	if !ok || v == nil {
		return "", fmt.Errorf("%s: %w", t.fields.ID, errMissing)
	}
	id, err := NormalizeID(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.fields.ID, err)
	}
	return id, nil
}

// NormalizeID renders an identifier in its fixed string form: trimmed, inner
// whitespace collapsed, upper-cased, integral numbers without a fraction.
func NormalizeID(v any) (string, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = numberString(x.String())
	case float64:
		s = numberString(strconv.FormatFloat(x, 'f', -1, 64))
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	default:
		return "", fmt.Errorf("%w %T for identifier", errType, v)
	}

	s = strings.ToUpper(strings.Join(strings.Fields(s), " "))
	if s == "" {
		return "", errMissing
	}
	return s, nil
}

// numberString drops a zero fraction so 42, 42.0 and "42" share a key.
func numberString(s string) string {
	if whole, frac, ok := strings.Cut(s, "."); ok && strings.Trim(frac, "0") == "" {
		return whole
	}
	return s
}

var dateLayouts = []string{
	record.DateLayout,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func (t *Transformer) date(fields map[string]any, name string) (time.Time, error) {
	v, ok := fields[name]
	if !ok || v == nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, errMissing)
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w %T for date", name, errType, v)
	}
	d, err := ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// ParseDate accepts the source's date and timestamp forms and returns the
// instant in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissing
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (t *Transformer) text(fields map[string]any, name string) string {
	if name == "" {
		return ""
	}
	var s string
	switch x := fields[name].(type) {
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	case nil:
		return ""
	default:
		s = fmt.Sprint(x)
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	if t.maxTextLength > 0 && utf8.RuneCountInString(s) > t.maxTextLength {
		s = string([]rune(s)[:t.maxTextLength])
	}
	return s
}

func (t *Transformer) coordinates(fields map[string]any) (*float64, *float64, error) {
	if t.fields.Latitude == "" || t.fields.Longitude == "" {
		return nil, nil, nil
	}
	lat, latOK, err := number(fields[t.fields.Latitude])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", t.fields.Latitude, err)
	}
	lon, lonOK, err := number(fields[t.fields.Longitude])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", t.fields.Longitude, err)
	}

	switch {
	case !latOK && !lonOK:
		return nil, nil, nil
	case latOK != lonOK:
		return nil, nil, errors.New("latitude and longitude must be given together")
	case lat < -90 || lat > 90:
		return nil, nil, fmt.Errorf("latitude %v out of range", lat)
	case lon < -180 || lon > 180:
		return nil, nil, fmt.Errorf("longitude %v out of range", lon)
	}
	return &lat, &lon, nil
}

// number parses an optional numeric field. ok is false when it is absent.
func number(v any) (f float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		f, err = x.Float64()
	case float64:
		f = x
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, false, nil
		}
		f, err = strconv.ParseFloat(x, 64)
	default:
		return 0, false, fmt.Errorf("%w %T for number", errType, v)
	}
	if err != nil {
		return 0, false, fmt.Errorf("invalid number: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, errors.New("invalid number: not finite")
	}
	return f, true, nil
}
