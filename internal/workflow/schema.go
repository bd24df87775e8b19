package workflow

import (
	"fmt"
	"net/mail"
	"net/url"
	"sort"
	"strings"
)

// Node configs are schema-checked with a small declarative table per type.
// Unknown keys are rejected so typos fail at deploy instead of silently
// falling back to defaults.

type fieldType int

const (
	ftString fieldType = iota
	ftBool
	ftInt
	ftNumber
	ftIntList
	ftStringList
	ftEmail
	ftEmailList
	ftURL
	ftPolygon
	ftStringMap
	ftAnyMap
)

type field struct {
	typ      fieldType
	required bool
	hasMin   bool
	min      float64
	hasMax   bool
	max      float64
	enum     []string
	enumNums []float64
}

type schema map[string]field

func req(t fieldType) field { return field{typ: t, required: true} }
func opt(t fieldType) field { return field{typ: t} }
func (f field) between(lo, hi float64) field {
	f.hasMin, f.min, f.hasMax, f.max = true, lo, true, hi
	return f
}
func (f field) atLeast(lo float64) field {
	f.hasMin, f.min = true, lo
	return f
}
func (f field) oneOf(values ...string) field {
	f.enum = values
	return f
}
func (f field) oneOfNums(values ...float64) field {
	f.enumNums = values
	return f
}

var nodeSchemas = map[string]schema{
	TypeCamera: {
		"cameraId":    req(ftString),
		"fps":         opt(ftInt).between(1, 30),
		"quality":     opt(ftString).oneOf("low", "med", "high"),
		"skipSimilar": opt(ftBool),
	},
	TypeVideoInput: {
		"source": req(ftString),
		"fps":    opt(ftInt).between(1, 30),
		"loop":   opt(ftBool),
	},
	TypeYoutube: {
		"url":     req(ftURL),
		"fps":     opt(ftInt).between(1, 30),
		"quality": opt(ftString).oneOf("low", "med", "high"),
	},
	TypeModel: {
		"modelId":       req(ftString),
		"confidence":    req(ftNumber).between(0, 1),
		"classes":       req(ftIntList),
		"iou":           opt(ftNumber).between(0, 1),
		"maxDetections": opt(ftInt).atLeast(1),
		"fps":           opt(ftInt).atLeast(1),
		"batchSize":     opt(ftInt).atLeast(1),
	},
	TypeZone: {
		"polygon":     req(ftPolygon),
		"filterType":  req(ftString).oneOf("include", "exclude"),
		"label":       opt(ftString),
		"cooldownSec": opt(ftInt).atLeast(0),
		"dwellSec":    opt(ftInt).atLeast(0),
		"anchor":      opt(ftString).oneOf("center", "bottom"),
	},
	TypeDetectionFilter: {
		"classes":       opt(ftIntList),
		"minConfidence": opt(ftNumber).between(0, 1),
		"minCount":      opt(ftInt).atLeast(0),
		"maxCount":      opt(ftInt).atLeast(0),
		"scope":         opt(ftString).oneOf("per_frame", "window"),
		"windowMs":      opt(ftInt).atLeast(1),
	},
	TypeParkingViolation: {
		"modelId":    req(ftString),
		"polygon":    req(ftPolygon),
		"dwellSec":   req(ftInt).atLeast(1),
		"classes":    opt(ftIntList),
		"confidence": opt(ftNumber).between(0, 1),
	},
	TypeDayNightDetector: {
		"intervalSec":    opt(ftInt).atLeast(1),
		"duskThreshold":  opt(ftNumber).between(0, 1),
		"nightThreshold": opt(ftNumber).between(0, 1),
		"hysteresis":     opt(ftNumber).between(0, 1),
	},
	TypeAudioExtractor: {
		"sampleRate": opt(ftInt).oneOfNums(8000, 16000, 22050, 44100, 48000),
		"channels":   opt(ftInt).oneOfNums(1, 2),
		"bufferSec":  opt(ftNumber).between(1, 60),
	},
	TypeAudioAI: {
		"modelId":    req(ftString),
		"language":   opt(ftString),
		"keywords":   opt(ftStringList),
		"confidence": opt(ftNumber).between(0, 1),
		"bufferSec":  opt(ftNumber).atLeast(0.1),
	},
	TypeAudioVU: {
		"threshold":  opt(ftNumber),
		"hysteresis": opt(ftNumber).atLeast(0),
		"edge":       opt(ftString).oneOf("rising", "falling", "continuous"),
		"intervalMs": opt(ftInt).atLeast(1),
	},
	TypeLinkIn: {
		"name": req(ftString),
	},
	TypeLinkOut: {
		"name": req(ftString),
	},
	TypeLinkCall: {
		"target": req(ftString),
		"params": opt(ftAnyMap),
	},
	TypeCatch: {
		"scope":   req(ftString).oneOf("all", "specific"),
		"nodeIds": opt(ftStringList),
	},
	TypeDataPreview: {
		"label": opt(ftString),
	},
	TypeDebug: {
		"label": opt(ftString),
	},
}

var actionSchemas = map[string]schema{
	"email": {
		"actionType":        req(ftString),
		"to":                req(ftEmail),
		"cc":                opt(ftEmailList),
		"subject":           opt(ftString),
		"includeSnapshot":   opt(ftBool),
		"includeDetections": opt(ftBool),
	},
	"webhook": {
		"actionType": req(ftString),
		"url":        req(ftURL),
		"method":     opt(ftString).oneOf("POST", "PUT"),
		"headers":    opt(ftStringMap),
		"timeoutSec": opt(ftInt).between(1, 60),
		"retries":    opt(ftInt).between(0, 5),
		"secretKey":  opt(ftString),
	},
	"record": {
		"actionType":    req(ftString),
		"durationSec":   opt(ftInt).between(1, 300),
		"preBufferSec":  opt(ftInt).between(0, 60),
		"postBufferSec": opt(ftInt).between(0, 60),
		"format":        opt(ftString).oneOf("mp4", "mkv"),
		"quality":       opt(ftString).oneOf("low", "med", "high"),
	},
	"alert": {
		"actionType": req(ftString),
		"severity":   req(ftString).oneOf("info", "warning", "critical"),
		"notify":     opt(ftStringList),
		"message":    opt(ftString),
	},
	"snapshot": {
		"actionType": req(ftString),
		"drawBoxes":  opt(ftBool),
		"drawZones":  opt(ftBool),
		"format":     opt(ftString).oneOf("jpg", "png"),
		"quality":    opt(ftInt).between(1, 100),
	},
	"log": {
		"actionType": req(ftString),
		"level":      opt(ftString).oneOf("debug", "info", "warn"),
		"message":    opt(ftString),
	},
}

// ValidateNodeConfig checks one node's config against its type schema.
// Returned messages are deploy errors.
func ValidateNodeConfig(node *Node) []string {
	cfg := node.Data.Config

	// config nodes carry an arbitrary fragment merged into the sink.
	if node.Type == TypeConfig {
		return nil
	}

	if node.Type == TypeAction {
		return validateActionConfig(node.ID, cfg)
	}

	s, ok := nodeSchemas[node.Type]
	if !ok {
		return []string{fmt.Sprintf("node %s: unknown type %q", node.ID, node.Type)}
	}
	errs := checkSchema(node.ID, s, cfg)
	errs = append(errs, checkCrossFields(node, cfg)...)
	return errs
}

func validateActionConfig(nodeID string, cfg map[string]interface{}) []string {
	raw, ok := cfg["actionType"]
	if !ok {
		return []string{fmt.Sprintf("node %s: action config missing actionType", nodeID)}
	}
	actionType, ok := raw.(string)
	if !ok {
		return []string{fmt.Sprintf("node %s: actionType must be a string", nodeID)}
	}
	s, ok := actionSchemas[actionType]
	if !ok {
		return []string{fmt.Sprintf("node %s: unknown actionType %q", nodeID, actionType)}
	}
	errs := checkSchema(nodeID, s, cfg)
	// Action retry knobs shared by every action type.
	return errs
}

// checkCrossFields enforces constraints spanning more than one key.
func checkCrossFields(node *Node, cfg map[string]interface{}) []string {
	var errs []string
	switch node.Type {
	case TypeDetectionFilter:
		_, hasMin := cfg["minCount"]
		_, hasMax := cfg["maxCount"]
		scope, hasScope := cfg["scope"]
		if (hasMin || hasMax) && !hasScope {
			errs = append(errs, fmt.Sprintf(
				"node %s: count predicates require an explicit scope (per_frame or window)", node.ID))
		}
		if hasScope && scope == "window" {
			if _, ok := cfg["windowMs"]; !ok {
				errs = append(errs, fmt.Sprintf("node %s: scope window requires windowMs", node.ID))
			}
		}
	case TypeCatch:
		if cfg["scope"] == "specific" {
			ids, _ := cfg["nodeIds"].([]interface{})
			if len(ids) == 0 {
				errs = append(errs, fmt.Sprintf("node %s: catch scope specific requires nodeIds", node.ID))
			}
		}
	case TypeDayNightDetector:
		dusk, hasDusk := numberValue(cfg["duskThreshold"])
		night, hasNight := numberValue(cfg["nightThreshold"])
		if hasDusk && hasNight && night >= dusk {
			errs = append(errs, fmt.Sprintf(
				"node %s: nightThreshold must be below duskThreshold", node.ID))
		}
	}
	return errs
}

func checkSchema(nodeID string, s schema, cfg map[string]interface{}) []string {
	var errs []string

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		spec, known := s[k]
		if !known {
			errs = append(errs, fmt.Sprintf("node %s: unknown config key %q", nodeID, k))
			continue
		}
		if msg := checkField(nodeID, k, spec, cfg[k]); msg != "" {
			errs = append(errs, msg)
		}
	}

	required := make([]string, 0)
	for k, spec := range s {
		if spec.required {
			required = append(required, k)
		}
	}
	sort.Strings(required)
	for _, k := range required {
		if _, ok := cfg[k]; !ok {
			errs = append(errs, fmt.Sprintf("node %s: missing required config key %q", nodeID, k))
		}
	}
	return errs
}

func checkField(nodeID, key string, spec field, value interface{}) string {
	fail := func(format string, args ...interface{}) string {
		return fmt.Sprintf("node %s: config %q ", nodeID, key) + fmt.Sprintf(format, args...)
	}

	switch spec.typ {
	case ftString:
		s, ok := value.(string)
		if !ok {
			return fail("must be a string")
		}
		if len(spec.enum) > 0 && !containsString(spec.enum, s) {
			return fail("must be one of %s", strings.Join(spec.enum, ", "))
		}
	case ftBool:
		if _, ok := value.(bool); !ok {
			return fail("must be a boolean")
		}
	case ftInt:
		n, ok := intValue(value)
		if !ok {
			return fail("must be an integer")
		}
		if msg := checkRange(spec, float64(n)); msg != "" {
			return fail("%s", msg)
		}
	case ftNumber:
		n, ok := numberValue(value)
		if !ok {
			return fail("must be a number")
		}
		if msg := checkRange(spec, n); msg != "" {
			return fail("%s", msg)
		}
	case ftIntList:
		items, ok := value.([]interface{})
		if !ok {
			return fail("must be an integer array")
		}
		for _, item := range items {
			if _, ok := intValue(item); !ok {
				return fail("must be an integer array")
			}
		}
	case ftStringList:
		items, ok := value.([]interface{})
		if !ok {
			return fail("must be a string array")
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return fail("must be a string array")
			}
		}
	case ftEmail:
		s, ok := value.(string)
		if !ok {
			return fail("must be an email address")
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return fail("is not a valid email address")
		}
	case ftEmailList:
		items, ok := value.([]interface{})
		if !ok {
			return fail("must be an email array")
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return fail("must be an email array")
			}
			if _, err := mail.ParseAddress(s); err != nil {
				return fail("contains an invalid email address")
			}
		}
	case ftURL:
		s, ok := value.(string)
		if !ok {
			return fail("must be a URL")
		}
		u, err := url.ParseRequestURI(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fail("is not a well-formed URL")
		}
	case ftPolygon:
		points, ok := value.([]interface{})
		if !ok || len(points) < 3 {
			return fail("must be an array of at least 3 [x,y] points")
		}
		for _, p := range points {
			pair, ok := p.([]interface{})
			if !ok || len(pair) != 2 {
				return fail("must be an array of [x,y] pairs")
			}
			for _, coord := range pair {
				if _, ok := numberValue(coord); !ok {
					return fail("must contain numeric coordinates")
				}
			}
		}
	case ftStringMap:
		m, ok := value.(map[string]interface{})
		if !ok {
			return fail("must be a string map")
		}
		for _, v := range m {
			if _, ok := v.(string); !ok {
				return fail("must map strings to strings")
			}
		}
	case ftAnyMap:
		if _, ok := value.(map[string]interface{}); !ok {
			return fail("must be an object")
		}
	}

	if len(spec.enumNums) > 0 {
		n, ok := numberValue(value)
		if !ok || !containsNum(spec.enumNums, n) {
			return fail("must be one of %v", spec.enumNums)
		}
	}
	return ""
}

func checkRange(spec field, n float64) string {
	if spec.hasMin && n < spec.min {
		return fmt.Sprintf("must be >= %g", spec.min)
	}
	if spec.hasMax && n > spec.max {
		return fmt.Sprintf("must be <= %g", spec.max)
	}
	return ""
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func containsNum(values []float64, n float64) bool {
	for _, v := range values {
		if v == n {
			return true
		}
	}
	return false
}
