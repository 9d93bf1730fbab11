package env

import (
	"encoding/json"
	"fmt"
)

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocolError  `json:"error,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("repl error %d: %s", e.Code, e.Message)
}

type executeParams struct {
	Code string `json:"code"`
}

type executeResult struct {
	Output   string `json:"output"`
	Value    string `json:"value"`
	HasValue bool   `json:"has_value"`
	Fault    *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"fault,omitempty"`
}

type setVarParams struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	JSON  bool   `json:"json,omitempty"`
}

type getVarParams struct {
	Name string `json:"name"`
}

type getVarResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

// callbackRequest is emitted by the bootstrap while a fragment is running.
type callbackRequest struct {
	Callback   string `json:"callback"`
	CallbackID int64  `json:"callback_id"`
	Params     struct {
		Prompt   string   `json:"prompt"`
		Context  string   `json:"context"`
		Prompts  []string `json:"prompts"`
		Contexts []string `json:"contexts"`
	} `json:"params"`
}

type callbackResponse struct {
	CallbackID int64    `json:"callback_id"`
	Result     string   `json:"result,omitempty"`
	Results    []string `json:"results,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// line is one decoded line from the bootstrap: either a response or a callback.
type line struct {
	resp     *response
	callback *callbackRequest
}

func decodeLine(data []byte) (line, error) {
	var probe struct {
		Callback *string `json:"callback"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return line{}, fmt.Errorf("decode repl line: %w", err)
	}
	if probe.Callback != nil {
		var cb callbackRequest
		if err := json.Unmarshal(data, &cb); err != nil {
			return line{}, fmt.Errorf("decode callback: %w", err)
		}
		return line{callback: &cb}, nil
	}
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return line{}, fmt.Errorf("decode response: %w", err)
	}
	return line{resp: &resp}, nil
}
