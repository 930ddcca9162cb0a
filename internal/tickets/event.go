package tickets

import (
	"encoding/json"
	"strconv"
	"strings"

	"meterdash/internal/models"
)

// IsTicketBearing reports whether an inbound event describes a ticket: it
// carries a ticketId or a subject. A bare "id" is not a ticket identity;
// generic callbacks use it for execution ids.
func IsTicketBearing(raw map[string]any) bool {
	return firstString(raw, "ticketId") != "" || firstString(raw, "subject", "title") != ""
}

// DecodeEvent maps an inbound event body onto a patch. Keys absent from raw
// stay nil on the patch, and so do status, priority and origin values outside
// their closed sets. An event with a subject but no identity gets a fresh one.
func DecodeEvent(raw map[string]any) models.TicketPatch {
	p := models.TicketPatch{ID: firstString(raw, "ticketId")}
	if p.ID == "" && firstString(raw, "subject", "title") != "" {
		p.ID = NewID()
	}
	p.Subject = stringField(raw, "subject", "title")
	p.Description = stringField(raw, "description", "message")
	if s := stringField(raw, "status"); s != nil {
		if v := models.TicketStatus(strings.ToLower(*s)); v.Valid() {
			p.Status = &v
		}
	}
	if s := stringField(raw, "priority"); s != nil {
		if v := models.TicketPriority(strings.ToLower(*s)); v.Valid() {
			p.Priority = &v
		}
	}
	if s := stringField(raw, "origin"); s != nil {
		if v := models.TicketOrigin(strings.ToLower(*s)); v.Valid() {
			p.Origin = &v
		}
	}
	p.Source = stringField(raw, "source")
	p.AlertType = stringField(raw, "alertType")
	p.Equipment = stringField(raw, "equipment")
	p.MeasuredValue = numberField(raw, "consumption", "measuredValue")
	p.ExpectedValue = numberField(raw, "expected", "expectedValue")
	p.IsNightWindow = boolField(raw, "isNight", "isNightWindow")
	p.AnalysisNote = stringField(raw, "aiAnalysis", "analysisNote")
	return p
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(raw map[string]any, keys ...string) string {
	if s := stringField(raw, keys...); s != nil {
		return *s
	}
	return ""
}

func stringField(raw map[string]any, keys ...string) *string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return nil
	}
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		s = string(b)
	}
	if s == "" {
		return nil
	}
	return &s
}

func numberField(raw map[string]any, keys ...string) *float64 {
	v, ok := lookup(raw, keys...)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func boolField(raw map[string]any, keys ...string) *bool {
	v, ok := lookup(raw, keys...)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case bool:
		return &x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		return &b
	}
	return nil
}

// InvalidEnums lists the status, priority and origin keys of raw whose values
// fall outside their closed sets.
func InvalidEnums(raw map[string]any) []string {
	var bad []string
	if s := stringField(raw, "status"); s != nil && !models.TicketStatus(strings.ToLower(*s)).Valid() {
		bad = append(bad, "status")
	}
	if s := stringField(raw, "priority"); s != nil && !models.TicketPriority(strings.ToLower(*s)).Valid() {
		bad = append(bad, "priority")
	}
	if s := stringField(raw, "origin"); s != nil && !models.TicketOrigin(strings.ToLower(*s)).Valid() {
		bad = append(bad, "origin")
	}
	return bad
}
