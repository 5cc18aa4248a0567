package utils

import (
	"math"
	"testing"
)

// ============================================================
// Тесты Approx
// ============================================================

func TestApprox(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float64
		expected bool
	}{
		{"equal", 1.5, 1.5, true},
		{"rounding noise", 0.1 + 0.2, 0.3, true},
		{"relative within tolerance", 60000, 60000.00001, true},
		{"relative outside tolerance", 60000, 60000.1, false},
		{"absolute near zero", 0, 1e-10, true},
		{"absolute outside", 0, 1e-6, false},
		{"NaN vs NaN", math.NaN(), math.NaN(), false},
		{"NaN vs value", math.NaN(), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Approx(tt.a, tt.b); got != tt.expected {
				t.Errorf("Approx(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestApproxTol(t *testing.T) {
	if !ApproxTol(100, 104, 0.05, 0) {
		t.Error("expected 100 ~ 104 within 5%")
	}
	if ApproxTol(100, 106, 0.05, 0) {
		t.Error("expected 100 !~ 106 within 5%")
	}
}

// ============================================================
// Тесты FirstFinite / Mid / SpreadPct
// ============================================================

func TestFirstFinite(t *testing.T) {
	if got := FirstFinite(math.NaN(), 5, 7); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
	if got := FirstFinite(math.NaN(), math.Inf(1)); !math.IsNaN(got) {
		t.Errorf("expected NaN, got %v", got)
	}
	if got := FirstFinite(); !math.IsNaN(got) {
		t.Errorf("expected NaN for empty input, got %v", got)
	}
}

func TestMid(t *testing.T) {
	tests := []struct {
		name     string
		bid, ask float64
		expected float64
	}{
		{"two sided", 100, 110, 105},
		{"missing bid", math.NaN(), 110, math.NaN()},
		{"zero ask", 100, 0, math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Mid(tt.bid, tt.ask)
			if math.IsNaN(tt.expected) {
				if !math.IsNaN(got) {
					t.Errorf("expected NaN, got %v", got)
				}
				return
			}
			if !floatEquals(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSpreadPct(t *testing.T) {
	if got := SpreadPct(95, 105); !floatEquals(got, 10) {
		t.Errorf("expected 10, got %v", got)
	}
	if got := SpreadPct(math.NaN(), 105); !math.IsNaN(got) {
		t.Errorf("expected NaN, got %v", got)
	}
}

// ============================================================
// Тесты InterpolateZero / Linspace
// ============================================================

func TestInterpolateZero(t *testing.T) {
	tests := []struct {
		name           string
		x0, y0, x1, y1 float64
		expected       float64
	}{
		{"rising", 100, -10, 110, 10, 105},
		{"falling", 0, 4, 10, -6, 4},
		{"flat", 50, 0, 60, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InterpolateZero(tt.x0, tt.y0, tt.x1, tt.y1)
			if !floatEquals(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestLinspace(t *testing.T) {
	pts := Linspace(0, 10, 5)
	expected := []float64{0, 2.5, 5, 7.5, 10}
	if len(pts) != len(expected) {
		t.Fatalf("expected %d points, got %d", len(expected), len(pts))
	}
	for i := range pts {
		if !floatEquals(pts[i], expected[i]) {
			t.Errorf("point %d: expected %v, got %v", i, expected[i], pts[i])
		}
	}

	if Linspace(0, 1, 0) != nil {
		t.Error("expected nil for n=0")
	}
	if got := Linspace(3, 9, 1); len(got) != 1 || got[0] != 3 {
		t.Errorf("expected [3], got %v", got)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5, 0, 10, 5},   // в диапазоне
		{-5, 0, 10, 0},  // ниже min
		{15, 0, 10, 10}, // выше max
		{0, 0, 10, 0},   // на границе min
		{10, 0, 10, 10}, // на границе max
	}

	for _, tt := range tests {
		result := Clamp(tt.value, tt.min, tt.max)
		if result != tt.expected {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v",
				tt.value, tt.min, tt.max, result, tt.expected)
		}
	}
}

// ============================================================
// Бенчмарки
// ============================================================

func BenchmarkApprox(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Approx(60000, 60000.00001)
	}
}

func BenchmarkSpreadPct(b *testing.B) {
	for i := 0; i < b.N; i++ {
		SpreadPct(1250, 1275)
	}
}

// ============================================================
// Вспомогательные функции
// ============================================================

const floatEpsilon = 1e-6

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < floatEpsilon
}
