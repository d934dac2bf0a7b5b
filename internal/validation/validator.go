package validation

// Validator checks item lists and preview bindings before they reach the core.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateItems(data []byte) error
	ValidateBindings(vars map[string]any) error
}
