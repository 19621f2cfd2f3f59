package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIdentityPrompt_Missing(t *testing.T) {
	_, ok, err := LoadIdentityPrompt(t.TempDir())
	if err != nil {
		t.Fatalf("LoadIdentityPrompt: %v", err)
	}
	if ok {
		t.Error("expected a missing identity.yaml to report ok=false")
	}
}

func TestLoadIdentityPrompt_ReadsPrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity.yaml"), []byte("prompt: \"you are kbot\"\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	prompt, ok, err := LoadIdentityPrompt(dir)
	if err != nil {
		t.Fatalf("LoadIdentityPrompt: %v", err)
	}
	if !ok || prompt != "you are kbot" {
		t.Errorf("expected prompt %q, got %q (ok=%v)", "you are kbot", prompt, ok)
	}
}

func TestLoadIdentityPrompt_EmptyPromptTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity.yaml"), []byte("prompt: \"\"\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	_, ok, err := LoadIdentityPrompt(dir)
	if err != nil {
		t.Fatalf("LoadIdentityPrompt: %v", err)
	}
	if ok {
		t.Error("expected an empty prompt field to report ok=false")
	}
}
