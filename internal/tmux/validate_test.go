package tmux

import "testing"

func TestValidateSessionName(t *testing.T) {
	valid := []string{"cin-1a2b3c4d", "work_1", "ABC"}
	for _, name := range valid {
		if err := ValidateSessionName(name); err != nil {
			t.Errorf("%q should be valid: %v", name, err)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "dollar$", "dot.name", "back`tick"}
	for _, name := range invalid {
		if err := ValidateSessionName(name); err == nil {
			t.Errorf("%q should be rejected", name)
		}
	}
}

func TestValidatePaneID(t *testing.T) {
	for _, id := range []string{"%0", "%12"} {
		if err := ValidatePaneID(id); err != nil {
			t.Errorf("%q should be valid: %v", id, err)
		}
	}
	for _, id := range []string{"", "12", "%", "%x", "pane-1"} {
		if err := ValidatePaneID(id); err == nil {
			t.Errorf("%q should be rejected", id)
		}
	}
}

func TestValidateDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := ValidateDirectory(dir); err != nil {
		t.Errorf("existing directory rejected: %v", err)
	}

	if err := ValidateDirectory(""); err == nil {
		t.Error("empty directory should be rejected")
	}
	if err := ValidateDirectory(dir + "/does-not-exist"); err == nil {
		t.Error("missing directory should be rejected")
	}
	if err := ValidateDirectory("/tmp/evil;rm -rf"); err == nil {
		t.Error("shell metacharacters should be rejected")
	}
}
