package workflow

import (
	"strings"
	"testing"
)

func configErrors(t *testing.T, nodeType string, cfg map[string]interface{}) []string {
	t.Helper()
	return ValidateNodeConfig(&Node{ID: "n1", Type: nodeType, Data: NodeData{Config: cfg}})
}

func TestSchemaRejectsUnknownKey(t *testing.T) {
	errs := configErrors(t, TypeCamera, map[string]interface{}{
		"cameraId": "front", "fsp": 10,
	})
	if len(errs) != 1 || !strings.Contains(errs[0], `unknown config key "fsp"`) {
		t.Fatalf("expected unknown-key error, got %v", errs)
	}
}

func TestSchemaRequiredKeys(t *testing.T) {
	errs := configErrors(t, TypeModel, map[string]interface{}{"modelId": "yolo"})
	if len(errs) != 2 {
		t.Fatalf("expected 2 missing-key errors, got %v", errs)
	}
}

func TestSchemaRangeCheck(t *testing.T) {
	errs := configErrors(t, TypeModel, map[string]interface{}{
		"modelId": "yolo", "confidence": 1.5, "classes": []interface{}{0},
	})
	if len(errs) != 1 || !strings.Contains(errs[0], "<= 1") {
		t.Fatalf("expected range error, got %v", errs)
	}
}

func TestSchemaPolygonShape(t *testing.T) {
	errs := configErrors(t, TypeZone, map[string]interface{}{
		"polygon":    []interface{}{[]interface{}{0.0, 0.0}, []interface{}{1.0, 1.0}},
		"filterType": "include",
	})
	if len(errs) != 1 || !strings.Contains(errs[0], "at least 3") {
		t.Fatalf("expected polygon error, got %v", errs)
	}
}

func TestSchemaCountPredicatesNeedScope(t *testing.T) {
	errs := configErrors(t, TypeDetectionFilter, map[string]interface{}{"minCount": 2})
	if len(errs) != 1 || !strings.Contains(errs[0], "scope") {
		t.Fatalf("expected scope requirement, got %v", errs)
	}

	errs = configErrors(t, TypeDetectionFilter, map[string]interface{}{
		"minCount": 2, "scope": "window",
	})
	if len(errs) != 1 || !strings.Contains(errs[0], "windowMs") {
		t.Fatalf("expected windowMs requirement, got %v", errs)
	}

	errs = configErrors(t, TypeDetectionFilter, map[string]interface{}{
		"minCount": 2, "scope": "per_frame",
	})
	if len(errs) != 0 {
		t.Fatalf("per_frame scope should satisfy the predicate, got %v", errs)
	}
}

func TestSchemaDayNightThresholdOrder(t *testing.T) {
	errs := configErrors(t, TypeDayNightDetector, map[string]interface{}{
		"duskThreshold": 0.2, "nightThreshold": 0.4,
	})
	if len(errs) != 1 || !strings.Contains(errs[0], "below") {
		t.Fatalf("expected threshold-order error, got %v", errs)
	}
}

func TestSchemaActionDispatch(t *testing.T) {
	errs := configErrors(t, TypeAction, map[string]interface{}{
		"actionType": "email", "to": "ops@example.com",
	})
	if len(errs) != 0 {
		t.Fatalf("valid email action rejected: %v", errs)
	}

	errs = configErrors(t, TypeAction, map[string]interface{}{
		"actionType": "email", "to": "not-an-address",
	})
	if len(errs) != 1 {
		t.Fatalf("expected invalid email error, got %v", errs)
	}

	errs = configErrors(t, TypeAction, map[string]interface{}{"actionType": "teleport"})
	if len(errs) != 1 || !strings.Contains(errs[0], "unknown actionType") {
		t.Fatalf("expected unknown actionType error, got %v", errs)
	}
}

func TestSchemaWebhookURL(t *testing.T) {
	errs := configErrors(t, TypeAction, map[string]interface{}{
		"actionType": "webhook", "url": "example.com/hook",
	})
	if len(errs) != 1 {
		t.Fatalf("expected URL error, got %v", errs)
	}
}

func TestSchemaConfigNodeIsFreeform(t *testing.T) {
	errs := configErrors(t, TypeConfig, map[string]interface{}{
		"anything": map[string]interface{}{"goes": true},
	})
	if len(errs) != 0 {
		t.Fatalf("config node config must not be schema-checked, got %v", errs)
	}
}

func TestSchemaCatchSpecificNeedsNodeIDs(t *testing.T) {
	errs := configErrors(t, TypeCatch, map[string]interface{}{"scope": "specific"})
	if len(errs) != 1 || !strings.Contains(errs[0], "nodeIds") {
		t.Fatalf("expected nodeIds requirement, got %v", errs)
	}
}

func TestSchemaAudioSampleRateEnum(t *testing.T) {
	errs := configErrors(t, TypeAudioExtractor, map[string]interface{}{"sampleRate": 11025})
	if len(errs) != 1 {
		t.Fatalf("expected sample-rate enum error, got %v", errs)
	}
}
