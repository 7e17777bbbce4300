package boundary

import (
	"encoding/json"

	_ "embed"
)

// runnerScript is passed to the environment interpreter with -c. Keeping it
// embedded means a deployed binary has no loose script files to drift from.
//
//go:embed assets/run_tool.py
var runnerScript string

type runnerRequest struct {
	ModulePath   string         `json:"module_path"`
	FunctionName string         `json:"function_name"`
	Kwargs       map[string]any `json:"kwargs"`
}

type runnerResponse struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
	Traceback string          `json:"traceback"`
}
