package config

import "os"

// ExpandEnv expands ${VAR} / $VAR references in YAML content before
// parsing, same as the teacher's pkg/config/envexpand.go. Missing
// variables expand to empty string; validation catches required fields
// left empty as a result.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
