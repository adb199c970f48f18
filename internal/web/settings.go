package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"beerery/internal/config"
)

// OutputEditor rewrites the outputs section.
type OutputEditor interface {
	UpdateOutputs(fn func(outputs []config.OutputConfig) (bool, error)) error
}

// OutputSettingsIn is the strict PUT schema for one output. Absent keys are
// left unchanged; null is rejected.
type OutputSettingsIn struct {
	Active   *bool    `json:"active"`
	SetPoint *float64 `json:"set_point"`
	Kp       *float64 `json:"kp"`
	Ki       *float64 `json:"ki"`
	Kd       *float64 `json:"kd"`
	Mode     *string  `json:"mode"`
	Output   *float64 `json:"output"`
	On       *bool    `json:"on"`
}

var outputSettingsKeys = map[string]bool{
	"active": true, "set_point": true, "kp": true, "ki": true, "kd": true,
	"mode": true, "output": true, "on": true,
}

var pidOnlyKeys = []string{"set_point", "kp", "ki", "kd", "mode", "output"}

// OutputSettings is what GET and PUT return.
type OutputSettings struct {
	Name       string                  `json:"name"`
	Input      string                  `json:"input"`
	Pin        int                     `json:"pin"`
	Mode       string                  `json:"mode"`
	Active     bool                    `json:"active"`
	Controller string                  `json:"controller"`
	Config     config.ControllerParams `json:"config"`
}

func toOutputSettings(o config.OutputConfig) OutputSettings {
	return OutputSettings{
		Name:       o.Name,
		Input:      o.Input,
		Pin:        o.Pin,
		Mode:       o.Mode,
		Active:     o.Active,
		Controller: o.Type.Controller,
		Config:     o.Type.Config,
	}
}

// decodeOutputSettingsStrict rejects unknown keys, duplicate keys, nulls and
// trailing data. It returns the set of keys present.
func decodeOutputSettingsStrict(body []byte) (OutputSettingsIn, map[string]bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return OutputSettingsIn{}, nil, errors.New("invalid json: expected object")
	}

	seen := make(map[string]bool)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return OutputSettingsIn{}, nil, errors.New("invalid json: expected string key")
		}
		if !outputSettingsKeys[key] {
			return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if seen[key] {
			return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return OutputSettingsIn{}, nil, errors.New("invalid json: trailing data")
	}
	if len(seen) == 0 {
		return OutputSettingsIn{}, nil, errors.New("invalid json: no settings given")
	}

	var out OutputSettingsIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return OutputSettingsIn{}, nil, fmt.Errorf("invalid json: %w", err)
	}
	return out, seen, nil
}

func applyOutputSettings(o *config.OutputConfig, p OutputSettingsIn, seen map[string]bool) error {
	switch o.Type.Controller {
	case config.ControllerPID:
		if seen["on"] {
			return fmt.Errorf("on applies to manual outputs only")
		}
	case config.ControllerManual:
		for _, k := range pidOnlyKeys {
			if seen[k] {
				return fmt.Errorf("%s applies to PID outputs only", k)
			}
		}
	}

	c := &o.Type.Config
	if p.Active != nil {
		o.Active = *p.Active
	}
	if p.SetPoint != nil {
		c.SetPoint = *p.SetPoint
	}
	if p.Kp != nil {
		c.Kp = *p.Kp
	}
	if p.Ki != nil {
		c.Ki = *p.Ki
	}
	if p.Kd != nil {
		c.Kd = *p.Kd
	}
	if p.Mode != nil {
		c.Mode = strings.ToLower(strings.TrimSpace(*p.Mode))
	}
	if p.Output != nil {
		c.Output = *p.Output
	}
	if p.On != nil {
		c.On = *p.On
	}
	return nil
}

// outputSettingsHandler serves GET and PUT /api/outputs/{name}/settings.
// A successful PUT saves outputs.yaml and asks the controller to reload.
func outputSettingsHandler(editor OutputEditor, ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if editor == nil {
			http.Error(w, "settings not available", http.StatusNotImplemented)
			return
		}
		name := mux.Vars(r)["name"]

		var (
			found  bool
			result config.OutputConfig
			p      OutputSettingsIn
			seen   map[string]bool
		)
		if r.Method == http.MethodPut {
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			if p, seen, err = decodeOutputSettingsStrict(body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		var applyErr error
		err := editor.UpdateOutputs(func(outputs []config.OutputConfig) (bool, error) {
			for i := range outputs {
				if outputs[i].Name != name {
					continue
				}
				found = true
				if r.Method != http.MethodPut {
					result = outputs[i]
					return false, nil
				}
				if applyErr = applyOutputSettings(&outputs[i], p, seen); applyErr != nil {
					return false, applyErr
				}
				result = outputs[i]
				return true, nil
			}
			return false, nil
		})
		switch {
		case applyErr != nil:
			http.Error(w, fmt.Sprintf("invalid settings: %v", applyErr), http.StatusBadRequest)
			return
		case err != nil && found:
			http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
			return
		case !found:
			http.Error(w, fmt.Sprintf("output %q not found", name), http.StatusNotFound)
			return
		}

		if r.Method == http.MethodPut && ctl != nil {
			ctl.Invalidate()
		}
		writeJSON(w, http.StatusOK, toOutputSettings(result))
	}
}
