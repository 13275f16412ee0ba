package main

// CLIResult is the top-level envelope for all query commands.
type CLIResult struct {
	Command    string `json:"command" yaml:"command"`
	Results    any    `json:"results" yaml:"results"`
	TotalCount *int   `json:"total_count,omitempty" yaml:"total_count,omitempty"`
	Notice     string `json:"notice,omitempty" yaml:"notice,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}
