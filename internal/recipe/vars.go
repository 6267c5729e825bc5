package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// VarContext resolves ${var} substitutions for recipe fields.
//
// Resolution order (highest to lowest priority): --set overrides, the recipe
// [vars] table, then the builtins os, arch, home and recipe_dir.
type VarContext struct {
	vars map[string]string
}

func NewVarContext(recipeVars map[string]string, overrides []string, recipePath string) (*VarContext, error) {
	vars := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if home, err := os.UserHomeDir(); err == nil {
		vars["home"] = home
	}
	if recipePath != "" {
		dir := filepath.Dir(recipePath)
		if dir == "" {
			dir = "."
		}
		vars["recipe_dir"] = dir
	}
	for k, v := range recipeVars {
		vars[k] = v
	}
	for _, raw := range overrides {
		k, v, ok := strings.Cut(raw, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set format, expected key=value: %q", raw)
		}
		vars[k] = v
	}
	return &VarContext{vars: vars}, nil
}

// Substitute expands ${var}, ${env.NAME}, the $$ escape and a leading tilde.
func (c *VarContext) Substitute(input string) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '$' {
			out.WriteRune(runes[i])
			continue
		}
		// "$$" escapes to a literal "$"; "$${...}" yields "${...}".
		if i+1 < len(runes) && runes[i+1] == '$' {
			out.WriteRune('$')
			i++
			continue
		}
		if i+1 >= len(runes) || runes[i+1] != '{' {
			out.WriteRune('$')
			continue
		}
		end := -1
		for j := i + 2; j < len(runes); j++ {
			if runes[j] == '}' {
				end = j
				break
			}
		}
		if end < 0 {
			return "", fmt.Errorf("unterminated variable reference in: %s", input)
		}
		name := string(runes[i+2 : end])
		if name == "" {
			return "", fmt.Errorf("empty variable name in: %s", input)
		}
		value, err := c.resolve(name)
		if err != nil {
			return "", fmt.Errorf("resolve ${%s} in %q: %w", name, input, err)
		}
		out.WriteString(value)
		i = end
	}

	return c.expandTilde(out.String()), nil
}

// ApplyItem substitutes variables across every path/url field of an item.
func (c *VarContext) ApplyItem(item *Item) error {
	fields := []*string{&item.URL, &item.SaveAs, &item.ExtractTo, &item.ExtractFilter}
	if item.GitHub != nil {
		fields = append(fields, &item.GitHub.Repo, &item.GitHub.Tag, &item.GitHub.AssetPattern)
	}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		sub, err := c.Substitute(*f)
		if err != nil {
			return err
		}
		*f = sub
	}
	return nil
}

// Vars returns the fully resolved variable table.
func (c *VarContext) Vars() map[string]string {
	return c.vars
}

func (c *VarContext) resolve(name string) (string, error) {
	if envName, ok := strings.CutPrefix(name, "env."); ok {
		v, found := os.LookupEnv(envName)
		if !found {
			return "", fmt.Errorf("environment variable %q not set", envName)
		}
		return v, nil
	}
	v, ok := c.vars[name]
	if !ok {
		return "", fmt.Errorf("undefined variable %q", name)
	}
	return v, nil
}

func (c *VarContext) expandTilde(input string) string {
	home, ok := c.vars["home"]
	if !ok {
		return input
	}
	if input == "~" {
		return home
	}
	if strings.HasPrefix(input, "~/") {
		return home + input[1:]
	}
	return input
}
