package device

import (
	"fmt"
	"slices"
)

// Variant selects the codec, port and behaviour within a class. It is
// persisted as controller_model.
type Variant string

const (
	// VariantGateIntegrated controllers accept GATE DOWN directly.
	VariantGateIntegrated Variant = "integrated"
	// VariantGateLegacyReset controllers need SYSTEM RESET before GATE DOWN.
	VariantGateLegacyReset Variant = "legacy_reset"
	// VariantGateLegacyUnlock controllers need GATE UNLOCK before GATE DOWN.
	VariantGateLegacyUnlock Variant = "legacy_unlock"
	// VariantGateGateway is reached through a JSON envelope gateway.
	VariantGateGateway Variant = "gateway"

	// VariantBoardHex speaks the binary display packet protocol.
	VariantBoardHex Variant = "hex"
	// VariantBoardGateway is reached through a JSON envelope gateway.
	VariantBoardGateway Variant = "gateway"
)

var allowedVariants = map[Class][]Variant{
	ClassGate:  {VariantGateIntegrated, VariantGateLegacyReset, VariantGateLegacyUnlock, VariantGateGateway},
	ClassBoard: {VariantBoardHex, VariantBoardGateway},
}

// Variants returns the allow-list for class; nil for classes without
// controller variants.
func Variants(class Class) []Variant {
	return slices.Clone(allowedVariants[class])
}

// ValidateVariant rejects a variant outside the class allow-list.
func ValidateVariant(class Class, v Variant) error {
	if !slices.Contains(allowedVariants[class], v) {
		return fmt.Errorf("%w: %q for class %s", ErrUnknownVariant, v, class)
	}
	return nil
}

// NeedsResetBeforeClose reports whether a gate variant must be reset
// before it accepts a close.
func (v Variant) NeedsResetBeforeClose() bool {
	return v == VariantGateLegacyReset || v == VariantGateLegacyUnlock
}
