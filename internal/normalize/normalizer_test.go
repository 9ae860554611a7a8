package normalize

import (
	"strings"
	"testing"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()

	rules, err := LoadRules("")
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	return New(rules)
}

// TestNorm exercises the canonicalization function.
func TestNorm(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  MacBook   Air  ", "macbook air"},
		{"갤럭시S24", "갤럭시 s24"},
		{"아이폰15프로", "아이폰 15 프로"},
		{"Apple 맥북!!! (2024)", "apple 맥북 2024"},
		{"under_score-dash", "under_score-dash"},
		{"!!!", ""},
	}
	for _, tc := range cases {
		if got := Norm(tc.in); got != tc.want {
			t.Errorf("Norm(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestGradeTokens verifies extraction of digit runs and grade words.
func TestGradeTokens(t *testing.T) {
	got := GradeTokens("갤럭시 S24 Ultra 512GB")
	for _, want := range []string{"24", "512", "ultra"} {
		if _, ok := got[want]; !ok {
			t.Errorf("GradeTokens missing %q: %v", want, got)
		}
	}
}

// TestHardMapHit verifies a Level-0 rewrite: one canonical candidate, the
// hardMapped flag set, brand and category detected from the canonical.
func TestHardMapHit(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("갤럭시S24")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !out.HardMapped {
		t.Fatal("expected hard-mapped result")
	}
	if len(out.Candidates) != 1 || out.Candidates[0].Level != 0 {
		t.Fatalf("hard map should yield one Level-0 candidate, got %+v", out.Candidates)
	}
	if out.Primary != out.Candidates[0].Text {
		t.Fatal("primary must equal the single candidate")
	}
	if !strings.Contains(out.Primary, "삼성전자") {
		t.Fatalf("canonical brand missing from primary %q", out.Primary)
	}
	if out.Category != CategoryPhone {
		t.Fatalf("Category = %q, want phone", out.Category)
	}
	if out.Brand != "삼성전자" {
		t.Fatalf("Brand = %q, want 삼성전자", out.Brand)
	}
}

// TestHardMapLongestKeyWins verifies that the more specific mapping key
// shadows its prefix.
func TestHardMapLongestKeyWins(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("갤럭시 S24 울트라")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !out.HardMapped {
		t.Fatal("expected hard-mapped result")
	}
	if !strings.Contains(out.Primary, "울트라") {
		t.Fatalf("ultra mapping should win, got %q", out.Primary)
	}
}

// TestHardMapAccessoryGuard verifies that accessory queries never hard-map
// even when they would otherwise match a key.
func TestHardMapAccessoryGuard(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("갤럭시 S24 케이스")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.HardMapped {
		t.Fatal("accessory query must not hard-map")
	}
	if out.Primary != "갤럭시 s24 케이스" {
		t.Fatalf("Primary = %q", out.Primary)
	}
}

// TestHardMapExactOnly verifies that Level 0 requires exact key equality. A
// query that merely contains a mapped key names a different product and must
// fall through to Levels 1/2 instead of being rewritten.
func TestHardMapExactOnly(t *testing.T) {
	n := newTestNormalizer(t)

	exact, err := n.Normalize("신라면")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !exact.HardMapped {
		t.Fatal("exact key should hard-map")
	}
	if !strings.Contains(exact.Primary, "농심") {
		t.Fatalf("Primary = %q", exact.Primary)
	}

	for _, query := range []string{"신라면 순한맛", "신라면 컵", "맥북 에어 M3 실버"} {
		out, err := n.Normalize(query)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", query, err)
		}
		if out.HardMapped {
			t.Errorf("Normalize(%q) hard-mapped to %q; containment must not match", query, out.Primary)
		}
	}
}

// TestSynonymScriptVariants verifies Level-1 expansion: color stripping and
// Hangul/Latin spellings, all preserving grade tokens.
func TestSynonymScriptVariants(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("LG 그램 16 화이트")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.HardMapped {
		t.Fatal("unexpected hard map")
	}

	texts := make(map[string]bool)
	for _, c := range out.Candidates {
		texts[c.Text] = true
	}
	if !texts["lg 그램 16 화이트"] {
		t.Fatalf("primary missing from candidates: %v", texts)
	}
	if !texts["lg 그램 16"] {
		t.Fatalf("color-stripped candidate missing: %v", texts)
	}
	if !texts["lg gram 16"] {
		t.Fatalf("latin variant missing: %v", texts)
	}

	for _, c := range out.Candidates {
		got := GradeTokens(c.Text)
		if _, ok := got["16"]; !ok {
			t.Errorf("candidate %q lost grade token 16", c.Text)
		}
	}
}

// TestSynonymVariantOrder verifies that the Hangul-only spelling is emitted
// before the Latin-only one; candidate order is search order.
func TestSynonymVariantOrder(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("갤럭시 buds")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	idx := func(text string) int {
		for i, c := range out.Candidates {
			if c.Text == text {
				return i
			}
		}
		t.Fatalf("candidate %q missing from %v", text, out.Candidates)
		return -1
	}

	hangul := idx("갤럭시 버즈")
	latin := idx("galaxy buds")
	if hangul >= latin {
		t.Fatalf("hangul variant at %d must precede latin variant at %d", hangul, latin)
	}
}

// TestFallbackCandidates verifies Level-2 decomposition: the year is
// dropped, brand and model candidates appear, all tagged Level 2.
func TestFallbackCandidates(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("Apple 2025 맥북 스페셜에디션")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	byLevel := map[int][]string{}
	for _, c := range out.Candidates {
		byLevel[c.Level] = append(byLevel[c.Level], c.Text)
	}

	found := false
	for _, text := range byLevel[2] {
		if text == "apple 맥북 스페셜에디션" {
			found = true
		}
	}
	if !found {
		t.Fatalf("year-stripped candidate missing from %v", byLevel[2])
	}
	if out.Candidates[0].Text != out.Primary {
		t.Fatal("primary must be the first candidate")
	}
	if out.Brand != "apple" {
		t.Fatalf("Brand = %q, want apple", out.Brand)
	}
	if out.Category != CategoryLaptop {
		t.Fatalf("Category = %q, want laptop", out.Category)
	}
}

// TestCandidateLimits verifies dedup and the hard cap of eight candidates.
func TestCandidateLimits(t *testing.T) {
	n := newTestNormalizer(t)

	out, err := n.Normalize("삼성전자 갤럭시북4 프로 NT940XGK 16GB 512GB 미개봉 실버")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates) > 8 {
		t.Fatalf("candidate count %d out of range 1..8", len(out.Candidates))
	}
	seen := map[string]bool{}
	for _, c := range out.Candidates {
		if c.Text == "" {
			t.Fatal("empty candidate emitted")
		}
		if c.Text != strings.ToLower(c.Text) {
			t.Fatalf("candidate %q not lowercase", c.Text)
		}
		if seen[c.Text] {
			t.Fatalf("duplicate candidate %q", c.Text)
		}
		seen[c.Text] = true
	}
}

// TestBroadQueryDetection verifies the two-token broad-keyword rule.
func TestBroadQueryDetection(t *testing.T) {
	n := newTestNormalizer(t)

	cases := []struct {
		query string
		broad bool
	}{
		{"노트북", true},
		{"게이밍 노트북", true},
		{"삼성 게이밍 노트북", false},
		{"맥북 에어 M3", false},
	}
	for _, tc := range cases {
		out, err := n.Normalize(tc.query)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.query, err)
		}
		if out.Broad != tc.broad {
			t.Errorf("Normalize(%q).Broad = %v, want %v", tc.query, out.Broad, tc.broad)
		}
	}
}

// TestNormalizeEmpty verifies the empty-after-normalization error.
func TestNormalizeEmpty(t *testing.T) {
	n := newTestNormalizer(t)

	if _, err := n.Normalize("!!! ???"); err == nil {
		t.Fatal("expected error for symbol-only query")
	}
}
