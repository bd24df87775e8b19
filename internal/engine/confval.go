package engine

// Config value accessors tolerant of JSON and YAML numeric decoding.

func cfgString(cfg map[string]interface{}, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func cfgBool(cfg map[string]interface{}, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func cfgFloat(cfg map[string]interface{}, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func cfgIntList(cfg map[string]interface{}, key string) []int {
	raw, ok := cfg[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case int:
			out = append(out, v)
		case int64:
			out = append(out, int(v))
		case float64:
			out = append(out, int(v))
		}
	}
	return out
}

func cfgStringList(cfg map[string]interface{}, key string) []string {
	raw, ok := cfg[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// cfgPolygon decodes [[x,y],...] into point pairs. Validation has already
// guaranteed shape and minimum length for configs that reach the engine.
func cfgPolygon(cfg map[string]interface{}, key string) [][2]float64 {
	raw, ok := cfg[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([][2]float64, 0, len(raw))
	for _, item := range raw {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		x, xok := asFloat(pair[0])
		y, yok := asFloat(pair[1])
		if xok && yok {
			out = append(out, [2]float64{x, y})
		}
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
