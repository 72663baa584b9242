package serverinstance

import (
	"os"
	"path/filepath"
	"testing"

	"hightide/internal/sandbox"
)

func TestTemplateVars(t *testing.T) {
	sd := StartData{
		MemoryMiB:         1024,
		Environment:       map[string]string{"EULA": "true"},
		PrimaryAllocation: Allocation{IP: "0.0.0.0", Port: 25565},
	}
	vars := templateVars(sd)

	if vars["SERVER_MEMORY"] != "1024" {
		t.Errorf("SERVER_MEMORY = %q, want 1024", vars["SERVER_MEMORY"])
	}
	if vars["SERVER_PORT"] != "25565" {
		t.Errorf("SERVER_PORT = %q, want 25565", vars["SERVER_PORT"])
	}
	if vars["SERVER_IP"] != "0.0.0.0" {
		t.Errorf("SERVER_IP = %q, want 0.0.0.0", vars["SERVER_IP"])
	}
	if vars["EULA"] != "true" {
		t.Errorf("EULA = %q, want true", vars["EULA"])
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"NAME": "world", "PORT": "25565"}
	got := substitute("start --name {{NAME}} --port {{PORT}} --unknown {{MISSING}}", vars)
	want := "start --name world --port 25565 --unknown {{MISSING}}"
	if got != want {
		t.Errorf("substitute() = %q, want %q", got, want)
	}
}

func TestComposeCommandPrependsExec(t *testing.T) {
	vars := map[string]string{}
	got := composeCommand("", "java -jar server.jar", vars)
	want := "exec java -jar server.jar"
	if got != want {
		t.Errorf("composeCommand() = %q, want %q", got, want)
	}
}

func TestComposeCommandLeavesExistingExec(t *testing.T) {
	vars := map[string]string{}
	got := composeCommand("", "exec java -jar server.jar", vars)
	want := "exec java -jar server.jar"
	if got != want {
		t.Errorf("composeCommand() = %q, want %q", got, want)
	}
}

func TestComposeCommandPrependsInstallScript(t *testing.T) {
	vars := map[string]string{}
	got := composeCommand("apt-get update", "java -jar server.jar", vars)
	want := "apt-get update\nexec java -jar server.jar"
	if got != want {
		t.Errorf("composeCommand() = %q, want %q", got, want)
	}
}

func TestWriteConfigTemplatesKeyValueForm(t *testing.T) {
	base := t.TempDir()
	resolver := sandbox.New(base, "s1")
	os.MkdirAll(resolver.Root(), 0755)

	templates := []ConfigTemplate{
		{File: "server.properties", Values: map[string]string{"motd": "Hello {{NAME}}", "gamemode": "survival"}},
	}
	if err := writeConfigTemplates(resolver, templates, map[string]string{"NAME": "world"}); err != nil {
		t.Fatalf("writeConfigTemplates: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(resolver.Root(), "server.properties"))
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	want := "gamemode=survival\nmotd=Hello world\n"
	if string(data) != want {
		t.Errorf("rendered = %q, want %q", data, want)
	}
}

func TestWriteConfigTemplatesJSONReparsesAndReindents(t *testing.T) {
	base := t.TempDir()
	resolver := sandbox.New(base, "s1")
	os.MkdirAll(resolver.Root(), 0755)

	templates := []ConfigTemplate{
		{File: "config.json", Parser: "json", Content: `{"port": {{PORT}}}`},
	}
	if err := writeConfigTemplates(resolver, templates, map[string]string{"PORT": "25565"}); err != nil {
		t.Fatalf("writeConfigTemplates: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(resolver.Root(), "config.json"))
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	want := "{\n  \"port\": 25565\n}"
	if string(data) != want {
		t.Errorf("rendered = %q, want %q", data, want)
	}
}

func TestWriteConfigTemplatesRejectsMissingFile(t *testing.T) {
	base := t.TempDir()
	resolver := sandbox.New(base, "s1")
	os.MkdirAll(resolver.Root(), 0755)

	templates := []ConfigTemplate{{Values: map[string]string{"a": "b"}}}
	if err := writeConfigTemplates(resolver, templates, nil); err == nil {
		t.Error("writeConfigTemplates with empty File = nil, want error")
	}
}
