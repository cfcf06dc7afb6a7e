package shield

import "testing"

func TestEvalExprComparisons(t *testing.T) {
	vars := map[string]any{
		"department": "engineering",
		"level":      7.0,
		"user": map[string]any{
			"clearance": "secret",
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`department == "engineering"`, true},
		{`department != "engineering"`, false},
		{`level > 5`, true},
		{`level >= 7`, true},
		{`level < 7`, false},
		{`user.clearance == "secret"`, true},
		{`department == "engineering" and level > 5`, true},
		{`department == "sales" or level > 5`, true},
		{`department == "sales" and level > 5`, false},
		{`not (department == "sales")`, true},
		{`(department == "sales" or level > 5) and user.clearance == "secret"`, true},
	}
	for _, tc := range cases {
		got, err := EvalExpr(tc.expr, vars)
		if err != nil {
			t.Fatalf("EvalExpr(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("EvalExpr(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalExprErrors(t *testing.T) {
	bad := []string{
		"",
		`department ==`,
		`(department == "x"`,
		`level > > 5`,
	}
	for _, expr := range bad {
		if _, err := EvalExpr(expr, map[string]any{"department": "x", "level": 1.0}); err == nil {
			t.Fatalf("EvalExpr(%q) expected error", expr)
		}
	}
}

func TestEvalExprMissingVariable(t *testing.T) {
	// an unknown identifier is nil, which never equals a literal
	got, err := EvalExpr(`missing == "x"`, map[string]any{})
	if err != nil {
		t.Fatalf("EvalExpr: %v", err)
	}
	if got {
		t.Fatalf("expected false for missing variable comparison")
	}
}
