package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kioskadmin/internal/apperr"
	"kioskadmin/internal/models"
)

// normalizer checks one raw value and returns its canonical form.
type normalizer func(string) (string, error)

func normBool(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return "True", nil
	case "0", "false", "no", "off", "":
		return "False", nil
	}
	return "", errors.New("invalid boolean")
}

func normInt(v string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return "", errors.New("invalid integer")
	}
	return strconv.Itoa(n), nil
}

func normDate(v string) (string, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
	if err != nil {
		return "", errors.New("invalid date, expected YYYY-MM-DD")
	}
	return t.Format(time.DateOnly), nil
}

func normTime(v string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return "", errors.New("invalid time, expected HH:MM")
	}
	return t.Format("15:04"), nil
}

func normList(v string) (string, error) {
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ","), nil
}

func pass(v string) (string, error) { return v, nil }

var normalizers = map[string]normalizer{
	models.InputString:   pass,
	models.InputPassword: pass,
	models.InputInt:      normInt,
	models.InputBoolean:  normBool,
	models.InputDate:     normDate,
	models.InputTime:     normTime,
	models.InputList:     normList,
}

// ValidateInput normalises raw for in. Empty values are returned as is;
// whether they are allowed is decided by the caller.
func ValidateInput(in models.ScriptInput, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" && in.ValueType != models.InputBoolean {
		return "", nil
	}
	norm, ok := normalizers[in.ValueType]
	if !ok {
		return "", fmt.Errorf("input %s: unknown value type %q", in.Name, in.ValueType)
	}
	v, err := norm(raw)
	if err != nil {
		return "", fmt.Errorf("input %s: %w", in.Name, err)
	}
	return v, nil
}

// MandatoryParameterMissingError aborts a policy run or script run.
type MandatoryParameterMissingError struct {
	Input  string
	Script string
}

func (e *MandatoryParameterMissingError) Error() string {
	return fmt.Sprintf("No value was specified for the mandatory input %s of script %s", e.Input, e.Script)
}

func (e *MandatoryParameterMissingError) Kind() apperr.Kind { return apperr.KindMandatoryParam }

// BuildArgs orders and validates positional values for script. values is
// indexed like the script's inputs sorted by position; missing entries fall
// back to the input default.
func BuildArgs(script models.Script, values []string) ([]string, error) {
	inputs := sortedInputs(script.Inputs)
	if len(values) > len(inputs) {
		return nil, apperr.Validation(fmt.Sprintf("script %s takes %d argument(s), got %d", script.Name, len(inputs), len(values)), nil)
	}
	args := make([]string, len(inputs))
	verr := apperr.Validation("invalid script arguments", nil)
	for i, in := range inputs {
		raw := ""
		if i < len(values) {
			raw = values[i]
		}
		if strings.TrimSpace(raw) == "" {
			raw = in.DefaultValue
		}
		v, err := ValidateInput(in, raw)
		if err != nil {
			verr.Add(in.Name, err.Error())
			continue
		}
		if v == "" && in.Mandatory {
			return nil, &MandatoryParameterMissingError{Input: in.Name, Script: script.Name}
		}
		args[i] = v
	}
	if verr.HasFields() {
		return nil, verr
	}
	return args, nil
}
