package provider

import "atelier/internal/types"

// SanitizeHistory drops turns with no usable parts and strips blank text
// parts from the ones that remain, preserving media parts and original
// order. Backends reject turns made entirely of empty text with a 400-class
// error, so every call that accepts history runs through this first. The
// transform is idempotent.
func SanitizeHistory(history []types.Turn) []types.Turn {
	if len(history) == 0 {
		return nil
	}

	out := make([]types.Turn, 0, len(history))
	for _, turn := range history {
		kept := make([]types.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			if p.IsBlankText() {
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, types.Turn{Role: turn.Role, Parts: kept})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
