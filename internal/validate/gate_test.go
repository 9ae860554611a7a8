package validate

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/price-engine/internal/normalize"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()

	rules, err := normalize.LoadRules("")
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	return NewGate(rules)
}

// TestValidateAccepts verifies that a matching result passes the gate.
func TestValidateAccepts(t *testing.T) {
	g := newTestGate(t)

	err := g.Validate("삼성전자 갤럭시 S24 울트라", "삼성전자 갤럭시 S24 울트라 512GB 자급제", 1_350_000)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// TestValidateRejectsNonPositivePrice verifies the price sanity check.
func TestValidateRejectsNonPositivePrice(t *testing.T) {
	g := newTestGate(t)

	for _, price := range []int64{0, -100} {
		err := g.Validate("갤럭시 s24", "삼성전자 갤럭시 S24", price)
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("Validate(price=%d) = %v, want ErrRejected", price, err)
		}
	}
}

// TestValidateRejectsCategoryMismatch verifies that two detected, different
// categories cannot answer each other.
func TestValidateRejectsCategoryMismatch(t *testing.T) {
	g := newTestGate(t)

	err := g.Validate("아이폰 15 프로", "LG전자 세탁기 트롬", 900_000)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Validate = %v, want ErrRejected", err)
	}
}

// TestValidateUndetectedCategoryIsWildcard verifies that a result whose
// category cannot be detected is not rejected on category grounds.
func TestValidateUndetectedCategoryIsWildcard(t *testing.T) {
	g := newTestGate(t)

	err := g.Validate("농심 신라면 120g", "농심 신라면 멀티 120g x 40", 28_900)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// TestValidateRejectsBrandMismatch verifies brand equality when both sides
// carry a detected brand.
func TestValidateRejectsBrandMismatch(t *testing.T) {
	g := newTestGate(t)

	err := g.Validate("삼성 갤럭시북 4 프로 노트북", "LG전자 그램 프로 노트북 16", 1_800_000)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Validate = %v, want ErrRejected", err)
	}
}

// TestValidateRejectsLowSimilarity verifies the similarity floor.
func TestValidateRejectsLowSimilarity(t *testing.T) {
	g := newTestGate(t)

	err := g.Validate("갤럭시 버즈 3 프로", "갤럭시 워치 7 클래식 47mm 블루투스", 350_000)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Validate = %v, want ErrRejected", err)
	}
}

// TestSimilarity exercises the scoring function directly.
func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"갤럭시 s24", "갤럭시 s24", 0.99, 1.0},
		{"갤럭시북4 프로", "갤럭시 북4 프로", 0.90, 1.0}, // spacing only
		{"맥북 에어 m3", "아이폰 15 프로", 0.0, 0.29},
		{"", "whatever", 0.0, 0.0},
	}
	for _, tc := range cases {
		got := Similarity(tc.a, tc.b)
		if got < tc.min || got > tc.max {
			t.Errorf("Similarity(%q, %q) = %.2f, want in [%.2f, %.2f]", tc.a, tc.b, got, tc.min, tc.max)
		}
	}
}
