package quality

import (
	"strings"
	"testing"
)

func TestEvaluatePass(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("Documentation prose with useful content. ", 20)
	s := Evaluate(text, len(text)*3, 5, DefaultThresholds())

	if s.Verdict != Pass {
		t.Fatalf("verdict = %s (score %.3f), want pass", s.Verdict, s.Value)
	}
	if s.Reason != "" {
		t.Fatalf("pass should carry no reason, got %q", s.Reason)
	}
}

func TestEvaluateShortTextFails(t *testing.T) {
	t.Parallel()

	// One outlink on 4 chars zeroes link_density_ok too, so the mean falls
	// under the marginal threshold.
	s := Evaluate("tiny", 50_000, 1, DefaultThresholds())
	if s.Verdict != Fail {
		t.Fatalf("verdict = %s (score %.3f), want fail", s.Verdict, s.Value)
	}
	if !strings.HasPrefix(s.Reason, "text_too_short:") {
		t.Fatalf("reason = %q, want text_too_short:<len><<min>", s.Reason)
	}
}

func TestEvaluateLinkFarm(t *testing.T) {
	t.Parallel()

	// 300 chars of text but 40 outlinks: link_density_ok collapses to 0, and
	// the markup of 40 anchors holds text_density_ok at 0.5 (score 0.5).
	text := strings.Repeat("nav ", 75)
	s := Evaluate(text, len(text)*20, 40, DefaultThresholds())
	if s.Verdict == Pass {
		t.Fatalf("link farm should not pass, score %.3f", s.Value)
	}
	if !strings.HasPrefix(s.Reason, "high_link_density:") {
		t.Fatalf("reason = %q, want high_link_density:*", s.Reason)
	}
}

func TestEvaluateMarginalBand(t *testing.T) {
	t.Parallel()

	// 120 chars: text_ok ≈ 0.47; huge HTML keeps density low; no links.
	text := strings.Repeat("x", 120)
	s := Evaluate(text, 1_000_000, 0, DefaultThresholds())
	if s.Verdict != Marginal {
		t.Fatalf("verdict = %s (score %.3f), want marginal", s.Verdict, s.Value)
	}
}

func TestEvaluateScoreBounds(t *testing.T) {
	t.Parallel()

	for _, s := range []Score{
		Evaluate("", 0, 0, DefaultThresholds()),
		Evaluate(strings.Repeat("a", 100_000), 10, 0, DefaultThresholds()),
		Evaluate("short", 10, 1000, DefaultThresholds()),
	} {
		if s.Value < 0 || s.Value > 1 {
			t.Fatalf("score %.4f out of [0,1]", s.Value)
		}
	}
}

func TestDuplicateLineMetric(t *testing.T) {
	t.Parallel()

	text := "a meaningful repeated line\na meaningful repeated line\nunique tail line here"
	s := Evaluate(text, len(text), 0, DefaultThresholds())
	if s.Metrics["duplicate_lines"] <= 0 {
		t.Fatal("expected duplicate_lines metric > 0")
	}
}
