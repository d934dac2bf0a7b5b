package items

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/deriva/pkg/schema"
)

// signatureInput is the part of an item that changes what gets computed.
// Display-only fields (name, _title, role, unit) are left out.
type signatureInput struct {
	Enabled    bool                 `json:"enabled"`
	Group      string               `json:"group"`
	TargetID   string               `json:"targetId"`
	Mode       schema.Mode          `json:"mode"`
	SourceID   string               `json:"sourceState"`
	JSONPath   string               `json:"jsonPath"`
	Formula    string               `json:"formula"`
	Inputs     []schema.InputConfig `json:"inputs"`
	Type       schema.OutputType    `json:"type"`
	NoNegative bool                 `json:"noNegative"`
	Clamp      bool                 `json:"clamp"`
	Min        *float64             `json:"min"`
	Max        *float64             `json:"max"`
}

// Signature hashes the semantically relevant fields of the whole list.
// Two lists with the same signature compile to the same items.
func Signature(list []schema.ItemConfig) string {
	canon := make([]signatureInput, len(list))
	for i, it := range list {
		canon[i] = signatureInput{
			Enabled:    it.Enabled,
			Group:      strings.TrimSpace(it.Group),
			TargetID:   strings.TrimSpace(it.TargetID),
			Mode:       it.EffectiveMode(),
			SourceID:   strings.TrimSpace(it.SourceID),
			JSONPath:   strings.TrimSpace(it.JSONPath),
			Formula:    strings.TrimSpace(it.Formula),
			Inputs:     it.Inputs,
			Type:       it.EffectiveType(),
			NoNegative: it.NoNegative,
			Clamp:      it.Clamp,
			Min:        it.Min,
			Max:        it.Max,
		}
	}
	b, err := json.Marshal(canon)
	if err != nil {
		// Non-finite min/max set in code; hash the Go representation instead.
		b = []byte(fmt.Sprintf("%+v", canon))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
