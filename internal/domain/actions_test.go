package domain

import "testing"

func TestParseAction(t *testing.T) {
	tests := []struct {
		input    string
		expected ActionType
	}{
		{"MOVE", ActionMove},
		{"move", ActionMove},
		{"Reveal_Area", ActionRevealArea},
		{"RESET_FOG", ActionResetFog},
		{"SET_AMBIENT", ActionSetAmbient},
		{"UNKNOWN_ACTION", ActionUnknown},
		{"", ActionUnknown},
	}

	for _, tt := range tests {
		result := ParseAction(tt.input)
		if result != tt.expected {
			t.Errorf("ParseAction(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestActionType_String(t *testing.T) {
	tests := []struct {
		action   ActionType
		expected string
	}{
		{ActionMove, "MOVE"},
		{ActionUpsertLight, "UPSERT_LIGHT"},
		{ActionUnknown, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.action.String(); got != tt.expected {
			t.Errorf("ActionType(%d).String() = %q, want %q", tt.action, got, tt.expected)
		}
	}
}

func TestActionType_IsGameMasterOnly(t *testing.T) {
	if ActionMove.IsGameMasterOnly() || ActionSetFactors.IsGameMasterOnly() {
		t.Error("viewer actions must not require game-master")
	}
	for _, a := range []ActionType{ActionRevealArea, ActionDeleteArea, ActionResetFog, ActionUpsertLight, ActionSetAmbient, ActionDeleteObstacle} {
		if !a.IsGameMasterOnly() {
			t.Errorf("%s must require game-master", a)
		}
	}
}
