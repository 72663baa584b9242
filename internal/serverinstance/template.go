package serverinstance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"hightide/internal/agenterr"
	"hightide/internal/sandbox"
)

// templateVars returns the union of {SERVER_MEMORY, SERVER_PORT, SERVER_IP}
// and the server's environment (spec.md GLOSSARY "Template variable").
func templateVars(sd StartData) map[string]string {
	vars := make(map[string]string, len(sd.Environment)+3)
	for k, v := range sd.Environment {
		vars[k] = v
	}
	vars["SERVER_MEMORY"] = strconv.FormatInt(sd.MemoryMiB, 10)
	vars["SERVER_PORT"] = strconv.Itoa(sd.PrimaryAllocation.Port)
	vars["SERVER_IP"] = sd.PrimaryAllocation.IP
	return vars
}

// substitute replaces every "{{NAME}}" occurrence in text with vars[NAME].
// An unknown NAME is left untouched.
func substitute(text string, vars map[string]string) string {
	for name, value := range vars {
		text = strings.ReplaceAll(text, "{{"+name+"}}", value)
	}
	return text
}

// composeCommand builds the final shell command per spec.md §4.4 step 3.
func composeCommand(installScript, startupCommand string, vars map[string]string) string {
	startup := substitute(startupCommand, vars)
	if !strings.HasPrefix(startup, "exec") {
		startup = "exec " + startup
	}
	if strings.TrimSpace(installScript) == "" {
		return startup
	}
	return substitute(installScript, vars) + "\n" + startup
}

// writeConfigTemplates renders and writes every config template under the
// sandbox (spec.md §4.4 step 2).
func writeConfigTemplates(resolver *sandbox.Resolver, templates []ConfigTemplate, vars map[string]string) error {
	const op = "serverinstance.writeConfigTemplates"

	for _, tpl := range templates {
		if tpl.File == "" {
			return agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("config template missing file path"))
		}
		dest, err := resolver.Resolve(tpl.File)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}

		var data []byte
		switch tpl.Parser {
		case "json":
			rendered := substitute(tpl.Content, vars)
			var v any
			if err := json.Unmarshal([]byte(rendered), &v); err != nil {
				return agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("reparse json template %s: %w", tpl.File, err))
			}
			data, err = json.MarshalIndent(v, "", "  ")
			if err != nil {
				return agenterr.New(agenterr.KindRuntimeFailed, op, err)
			}
		case "yaml":
			rendered := substitute(tpl.Content, vars)
			var v any
			if err := yaml.Unmarshal([]byte(rendered), &v); err != nil {
				return agenterr.New(agenterr.KindInputInvalid, op, fmt.Errorf("reparse yaml template %s: %w", tpl.File, err))
			}
			var buf strings.Builder
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(v); err != nil {
				return agenterr.New(agenterr.KindRuntimeFailed, op, err)
			}
			enc.Close()
			data = []byte(buf.String())
		default:
			keys := make([]string, 0, len(tpl.Values))
			for k := range tpl.Values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var buf strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&buf, "%s=%s\n", k, substitute(tpl.Values[k], vars))
			}
			data = []byte(buf.String())
		}

		if err := os.WriteFile(dest, data, 0644); err != nil {
			return agenterr.New(agenterr.KindRuntimeFailed, op, err)
		}
	}
	return nil
}
