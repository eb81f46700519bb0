package alert

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/prometheus/common/model"
	"github.com/tidwall/gjson"
)

// Item is one alert of a batch. Exactly one of Alert and Err is set.
type Item struct {
	Index int
	Alert *Normalized
	Err   error
}

// Normalizer extracts Normalized alerts from raw payloads.
type Normalizer struct {
	// DefaultEnvironment is used when an alert carries no environment label.
	// Empty means the environment is required.
	DefaultEnvironment string
}

// NewNormalizer returns a Normalizer that falls back to defaultEnv when an
// alert has no environment.
func NewNormalizer(defaultEnv string) *Normalizer {
	return &Normalizer{DefaultEnvironment: strings.TrimSpace(defaultEnv)}
}

// Normalize parses a single alert object.
func (n *Normalizer) Normalize(raw []byte) (*Normalized, error) {
	root, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	return n.normalize(root, nil)
}

// NormalizeBatch parses either an Alertmanager webhook ({"alerts":[...]}) or a
// single alert object. Malformed JSON fails the whole payload with
// ErrMalformed; individual alerts failing validation are reported per Item
// so one bad alert does not block the rest of the group.
func (n *Normalizer) NormalizeBatch(raw []byte) ([]Item, error) {
	root, err := parseObject(raw)
	if err != nil {
		return nil, err
	}

	alerts := root.Get("alerts")
	if !alerts.Exists() {
		a, err := n.normalize(root, nil)
		return []Item{{Index: 0, Alert: a, Err: err}}, nil
	}
	if !alerts.IsArray() {
		return nil, fmt.Errorf("%w: alerts must be an array", ErrMalformed)
	}

	// webhook-level common labels fill gaps in the per-alert label sets
	common := stringMap(root.Get("commonLabels"))

	var items []Item
	for i, v := range alerts.Array() {
		a, err := n.normalize(v, common)
		items = append(items, Item{Index: i, Alert: a, Err: err})
	}
	return items, nil
}

func parseObject(raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: payload must be a json object", ErrMalformed)
	}
	return root, nil
}

func (n *Normalizer) normalize(v gjson.Result, common map[string]string) (*Normalized, error) {
	if !v.IsObject() {
		return nil, &ValidationError{Field: "alert", Reason: "must be an object"}
	}
	if err := checkText(v, ""); err != nil {
		return nil, err
	}

	labels := stringMap(v.Get("labels"))
	for k, val := range common {
		if err := textValue("commonLabels."+k, k); err != nil {
			return nil, err
		}
		if err := textValue("commonLabels."+k, val); err != nil {
			return nil, err
		}
		if _, ok := labels[k]; !ok {
			labels[k] = val
		}
	}
	annotations := stringMap(v.Get("annotations"))

	status := Status(strings.ToLower(field(v, "status")))
	switch status {
	case "":
		status = StatusFiring
	case StatusFiring, StatusResolved:
	default:
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}

	fp := field(v, "fingerprint")
	if fp == "" && len(labels) > 0 {
		fp = Fingerprint(labels)
	}
	if fp == "" {
		return nil, &ValidationError{Field: "fingerprint", Reason: "no fingerprint and no labels to derive one from"}
	}

	service := first(labels["service"], labels["job"], field(v, "service"))
	env := first(labels["environment"], labels["env"], field(v, "environment"), n.DefaultEnvironment)
	rawSeverity := first(labels["severity"], field(v, "severity"))

	// a recovery only needs to identify what it resolves
	if status == StatusFiring {
		switch {
		case service == "":
			return nil, &ValidationError{Field: "service", Reason: "required"}
		case env == "":
			return nil, &ValidationError{Field: "environment", Reason: "required"}
		case rawSeverity == "":
			return nil, &ValidationError{Field: "severity", Reason: "required"}
		}
	}

	var severity Severity
	if rawSeverity != "" {
		severity = ParseSeverity(rawSeverity)
	}

	title := first(annotations["summary"], labels["alertname"], field(v, "title"))
	if title == "" && service != "" {
		title = service + " alert"
	}

	rawMap, _ := v.Value().(map[string]any)

	return &Normalized{
		Fingerprint: fp,
		Service:     service,
		Environment: env,
		Severity:    severity,
		Title:       title,
		RunbookURL:  first(annotations["runbook_url"], field(v, "runbook_url")),
		Status:      status,
		Labels:      labels,
		Raw:         rawMap,
	}, nil
}

// Fingerprint derives a stable identity from a label set using the same
// hashing Prometheus and Alertmanager use, so repeated firings of the same
// condition always produce the same value.
func Fingerprint(labels map[string]string) string {
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint().String()
}

func field(v gjson.Result, key string) string {
	f := v.Get(key)
	if f.Type != gjson.String && f.Type != gjson.Number {
		return ""
	}
	return strings.TrimSpace(f.String())
}

func stringMap(v gjson.Result) map[string]string {
	out := make(map[string]string)
	if !v.IsObject() {
		return out
	}
	v.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = strings.TrimSpace(value.String())
		return true
	})
	return out
}

// checkText walks every key and string value of v and rejects text that
// cannot be stored: invalid UTF-8 or NUL after unescaping.
func checkText(v gjson.Result, path string) error {
	if v.Type == gjson.String {
		return textValue(path, v.String())
	}
	if !v.IsObject() && !v.IsArray() {
		return nil
	}

	var err error
	i := 0
	v.ForEach(func(key, val gjson.Result) bool {
		p := path
		if key.Exists() {
			k := key.String()
			if p != "" {
				p += "."
			}
			p += k
			if err = textValue(p, k); err != nil {
				return false
			}
		} else {
			p = fmt.Sprintf("%s[%d]", path, i)
			i++
		}
		err = checkText(val, p)
		return err == nil
	})
	return err
}

func textValue(path, s string) error {
	if path == "" {
		path = "alert"
	}
	switch {
	case !utf8.ValidString(s):
		return &ValidationError{Field: path, Reason: "invalid utf-8"}
	case strings.IndexByte(s, 0) >= 0:
		return &ValidationError{Field: path, Reason: "contains NUL"}
	}
	return nil
}

func first(vals ...string) string {
	for _, s := range vals {
		if s != "" {
			return s
		}
	}
	return ""
}
