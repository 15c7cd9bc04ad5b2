package provider

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"atelier/internal/types"
)

func TestSanitizeHistory_DropsBlankTurns(t *testing.T) {
	history := []types.Turn{
		types.TextTurn(types.RoleUser, "hello"),
		types.TextTurn(types.RoleModel, "   "),
		types.TextTurn(types.RoleModel, ""),
		types.TextTurn(types.RoleUser, "draw a cat"),
	}

	got := SanitizeHistory(history)
	want := []types.Turn{
		types.TextTurn(types.RoleUser, "hello"),
		types.TextTurn(types.RoleUser, "draw a cat"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sanitized history mismatch (-want +got):\n%s", diff)
	}
}

func TestSanitizeHistory_KeepsMediaParts(t *testing.T) {
	history := []types.Turn{
		{Role: types.RoleUser, Parts: []types.Part{
			{Text: "  "},
			{InlineData: &types.Blob{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
		}},
	}

	got := SanitizeHistory(history)
	if len(got) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(got))
	}
	if len(got[0].Parts) != 1 || !got[0].Parts[0].IsMedia() {
		t.Errorf("expected only the media part to survive, got %+v", got[0].Parts)
	}
}

func TestSanitizeHistory_PreservesOrder(t *testing.T) {
	history := []types.Turn{
		types.TextTurn(types.RoleUser, "one"),
		types.TextTurn(types.RoleModel, "two"),
		types.TextTurn(types.RoleUser, "three"),
	}

	got := SanitizeHistory(history)
	if diff := cmp.Diff(history, got); diff != "" {
		t.Errorf("order not preserved (-want +got):\n%s", diff)
	}
}

func TestSanitizeHistory_Idempotent(t *testing.T) {
	history := []types.Turn{
		types.TextTurn(types.RoleUser, "hello"),
		types.TextTurn(types.RoleModel, ""),
		{Role: types.RoleUser, Parts: []types.Part{
			{Text: "\n\t"},
			{InlineData: &types.Blob{MIMEType: "image/jpeg", Data: []byte{9}}},
		}},
	}

	once := SanitizeHistory(history)
	twice := SanitizeHistory(once)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("sanitize is not idempotent (-once +twice):\n%s", diff)
	}
}

func TestSanitizeHistory_Empty(t *testing.T) {
	if got := SanitizeHistory(nil); got != nil {
		t.Errorf("expected nil for nil history, got %v", got)
	}
	blank := []types.Turn{types.TextTurn(types.RoleUser, " ")}
	if got := SanitizeHistory(blank); got != nil {
		t.Errorf("expected nil for all-blank history, got %v", got)
	}
}
