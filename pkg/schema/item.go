package schema

import (
	"encoding/json"
	"strings"
)

// Mode selects how an item derives its value.
type Mode string

const (
	ModeSource  Mode = "source"
	ModeFormula Mode = "formula"
)

// OutputType is the declared datatype of an item's output state.
type OutputType string

const (
	TypeNumber  OutputType = "number"
	TypeBoolean OutputType = "boolean"
	TypeString  OutputType = "string"
	TypeMixed   OutputType = "mixed"
)

// InputConfig is one named formula input.
type InputConfig struct {
	Key        string `json:"key"`
	SourceID   string `json:"sourceState"`
	JSONPath   string `json:"jsonPath,omitempty"`
	NoNegative bool   `json:"noNegative,omitempty"`
}

// ItemConfig is the persisted, flat shape of a derivation item as edited by
// the configuration collaborator. The core never mutates it.
type ItemConfig struct {
	Enabled    bool          `json:"enabled"`
	Name       string        `json:"name,omitempty"`
	Group      string        `json:"group,omitempty"`
	TargetID   string        `json:"targetId"`
	Mode       Mode          `json:"mode,omitempty"`
	SourceID   string        `json:"sourceState,omitempty"`
	JSONPath   string        `json:"jsonPath,omitempty"`
	Formula    string        `json:"formula,omitempty"`
	Inputs     []InputConfig `json:"inputs,omitempty"`
	Type       OutputType    `json:"type,omitempty"`
	NoNegative bool          `json:"noNegative,omitempty"`
	Clamp      bool          `json:"clamp,omitempty"`
	Min        *float64      `json:"min,omitempty"`
	Max        *float64      `json:"max,omitempty"`
	Role       string        `json:"role,omitempty"`
	Unit       string        `json:"unit,omitempty"`
	Title      string        `json:"_title,omitempty"`
}

// EffectiveMode returns the configured mode, defaulting to formula.
func (c ItemConfig) EffectiveMode() Mode {
	if c.Mode == "" {
		return ModeFormula
	}
	return c.Mode
}

// EffectiveType returns the configured output type, defaulting to number.
func (c ItemConfig) EffectiveType() OutputType {
	switch c.Type {
	case TypeBoolean, TypeString, TypeMixed:
		return c.Type
	default:
		return TypeNumber
	}
}

// Derivation is the tagged variant an ItemConfig resolves to:
// either a SourceDerivation or a FormulaDerivation.
type Derivation interface {
	Mode() Mode
}

// SourceDerivation copies a single external state, optionally through a JSONPath.
type SourceDerivation struct {
	SourceID string
	JSONPath string
}

// Mode implements Derivation.
func (SourceDerivation) Mode() Mode { return ModeSource }

// FormulaDerivation evaluates a formula over named inputs.
type FormulaDerivation struct {
	Expression string
	Inputs     []InputConfig
}

// Mode implements Derivation.
func (FormulaDerivation) Mode() Mode { return ModeFormula }

// Derivation resolves the flat config into its tagged variant.
func (c ItemConfig) Derivation() (Derivation, error) {
	switch c.EffectiveMode() {
	case ModeSource:
		return SourceDerivation{
			SourceID: strings.TrimSpace(c.SourceID),
			JSONPath: strings.TrimSpace(c.JSONPath),
		}, nil
	case ModeFormula:
		inputs := make([]InputConfig, 0, len(c.Inputs))
		for _, in := range c.Inputs {
			in.Key = strings.TrimSpace(in.Key)
			in.SourceID = strings.TrimSpace(in.SourceID)
			in.JSONPath = strings.TrimSpace(in.JSONPath)
			inputs = append(inputs, in)
		}
		return FormulaDerivation{
			Expression: strings.TrimSpace(c.Formula),
			Inputs:     inputs,
		}, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown mode %q", c.Mode)
	}
}

// ItemList is the on-disk envelope. Some editors store the list under
// itemsEditor; Active falls back to it when items is empty.
type ItemList struct {
	Items       []ItemConfig `json:"items"`
	ItemsEditor []ItemConfig `json:"itemsEditor,omitempty"`
}

// Active returns the list the runtime should use.
func (l ItemList) Active() []ItemConfig {
	if len(l.Items) > 0 {
		return l.Items
	}
	return l.ItemsEditor
}

// ParseItemList accepts either a bare JSON array of items or an ItemList object.
func ParseItemList(data []byte) ([]ItemConfig, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []ItemConfig
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, NewError(ErrCodeValidation, "cannot parse item list").WithCause(err)
		}
		return items, nil
	}
	var list ItemList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, NewError(ErrCodeValidation, "cannot parse item list").WithCause(err)
	}
	return list.Active(), nil
}
