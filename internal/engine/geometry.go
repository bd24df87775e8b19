package engine

// pointInPolygon classifies (x, y) against the polygon by the even-odd rule.
// Points exactly on an edge count as inside.
func pointInPolygon(x, y float64, poly [][2]float64) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		if onSegment(x, y, poly[i][0], poly[i][1], poly[j][0], poly[j][1]) {
			return true
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := poly[i][0], poly[i][1]
		xj, yj := poly[j][0], poly[j][1]
		if (yi > y) != (yj > y) &&
			x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

const geomEps = 1e-9

// onSegment reports whether (px, py) lies on the segment (x1,y1)-(x2,y2).
func onSegment(px, py, x1, y1, x2, y2 float64) bool {
	cross := (x2-x1)*(py-y1) - (y2-y1)*(px-x1)
	if cross > geomEps || cross < -geomEps {
		return false
	}
	if px < minf(x1, x2)-geomEps || px > maxf(x1, x2)+geomEps {
		return false
	}
	if py < minf(y1, y2)-geomEps || py > maxf(y1, y2)+geomEps {
		return false
	}
	return true
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
