package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content using the
// standard library's shell-style expansion. Missing variables expand to the
// empty string; validation catches required fields left empty this way.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
