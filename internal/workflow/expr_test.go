package workflow

import (
	"reflect"
	"testing"
)

func TestEvaluateConditionTable(t *testing.T) {
	scope := map[string]any{
		"count": 3.0,
		"name":  "ana",
		"score": 0.75,
		"t0":    map[string]any{"score": 0.9, "tags": []any{"a", "b"}},
		"empty": "",
		"zero":  0.0,
		"flag":  true,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"${count} >= 3", true},
		{"${count} > 3", false},
		{"${t0.score} >= 0.5", true},
		{"${name} === 'ana'", true},
		{"${name} == \"ana\"", true},
		{"${name} !== 'bob'", true},
		{"1 + 2 * 3 == 7", true},
		{"(1 + 2) * 3 == 9", true},
		{"10 / 4 == 2.5", true},
		{"10 % 3 == 1", true},
		{"-2 + 5 == 3", true},
		{"'a' + 'b' === 'ab'", true},
		{"'n=' + 2 === 'n=2'", true},
		{"'3' == 3", true},
		{"'3' === 3", false},
		{"true == 1", true},
		{"false == 0", true},
		{"null == null", true},
		{"null === null", true},
		{"'abc' < 'abd'", true},
		{"1 < 'x'", false},
		{"2 > 1 && 1 > 2", false},
		{"2 > 1 || 1 > 2", true},
		{"!0", true},
		{"!''", true},
		{"!${flag}", false},
		{"${empty} || ${count}", true},
		{"${zero} && true", false},
		{"true && 'yes'", true},

		// Error paths all land on false.
		{"${missing} == 1", false},
		{"count > 1", false},
		{"1 +", false},
		{"(1 == 1", false},
		{"", false},
		{"3 3", false},
	}

	for _, tc := range cases {
		if got := evaluateCondition(tc.expr, scope); got != tc.want {
			t.Errorf("evaluateCondition(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvaluateExprOperandValues(t *testing.T) {
	v, err := evaluateExpr("true && 'yes'")
	if err != nil {
		t.Fatalf("evaluateExpr: %v", err)
	}
	if v != "yes" {
		t.Errorf("Expected && to return the right operand, got %v", v)
	}

	v, err = evaluateExpr("0 || 'fallback'")
	if err != nil {
		t.Fatalf("evaluateExpr: %v", err)
	}
	if v != "fallback" {
		t.Errorf("Expected || to return the right operand, got %v", v)
	}

	// Short-circuit skips the unevaluated side entirely.
	v, err = evaluateExpr("'kept' || unknownIdent")
	if err != nil {
		t.Fatalf("Short-circuited || should not evaluate the right side: %v", err)
	}
	if v != "kept" {
		t.Errorf("Expected short-circuit to keep the left operand, got %v", v)
	}
}

func TestSubstituteStringKeepsNativeTypes(t *testing.T) {
	scope := map[string]any{
		"count":  3,
		"rate":   2.5,
		"name":   "ana",
		"flag":   true,
		"nested": map[string]any{"id": "n-1"},
		"list":   []any{1.0, 2.0},
	}

	if got := substituteString("${count}", scope); got != 3 {
		t.Errorf("Whole-string placeholder should keep its native type, got %T(%v)", got, got)
	}
	if got := substituteString("${nested}", scope); !reflect.DeepEqual(got, scope["nested"]) {
		t.Errorf("Whole-string map placeholder = %v", got)
	}
	if got := substituteString("n=${count}, r=${rate}, ok=${flag}", scope); got != "n=3, r=2.5, ok=true" {
		t.Errorf("Embedded placeholders should stringify, got %q", got)
	}
	if got := substituteString("${nested.id}/${name}", scope); got != "n-1/ana" {
		t.Errorf("Dotted paths should resolve, got %q", got)
	}
	if got := substituteString("${missing}", scope); got != "${missing}" {
		t.Errorf("Unresolved whole-string placeholder should stay, got %v", got)
	}
	if got := substituteString("x ${missing} y", scope); got != "x ${missing} y" {
		t.Errorf("Unresolved embedded placeholder should stay, got %v", got)
	}
	if got := substituteString("list=${list}", scope); got != "list=[1,2]" {
		t.Errorf("Slice stringification = %q", got)
	}
}

func TestSubstituteValueRecurses(t *testing.T) {
	scope := map[string]any{"user": "ana", "n": 2}
	in := map[string]any{
		"greeting": "hi ${user}",
		"count":    "${n}",
		"items":    []any{"${user}", "plain", map[string]any{"deep": "${n}"}},
		"number":   7,
	}
	out, ok := substituteValue(in, scope).(map[string]any)
	if !ok {
		t.Fatalf("substituteValue changed the container type")
	}
	if out["greeting"] != "hi ana" {
		t.Errorf("greeting = %v", out["greeting"])
	}
	if out["count"] != 2 {
		t.Errorf("count should be native 2, got %T(%v)", out["count"], out["count"])
	}
	items := out["items"].([]any)
	if items[0] != "ana" || items[1] != "plain" {
		t.Errorf("items = %v", items)
	}
	if deep := items[2].(map[string]any)["deep"]; deep != 2 {
		t.Errorf("deep = %v", deep)
	}
	if out["number"] != 7 {
		t.Errorf("non-string leaves must pass through, got %v", out["number"])
	}
	// Input is untouched.
	if in["greeting"] != "hi ${user}" {
		t.Errorf("substituteValue mutated its input")
	}
}

func TestSubstituteExprJSONEncodes(t *testing.T) {
	scope := map[string]any{"name": `a"b`, "n": 3.0}
	got := substituteExpr("${name} === 'x' || ${n} > 1", scope)
	want := `"a\"b" === 'x' || 3 > 1`
	if got != want {
		t.Errorf("substituteExpr = %q, want %q", got, want)
	}
	if !evaluateCondition("${name} === 'x' || ${n} > 1", scope) {
		t.Errorf("Spliced expression should evaluate true")
	}
}
