// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package engine

import (
	"fmt"

	"github.com/jeremyhahn/go-p11engine/pkg/logging"
	"github.com/jeremyhahn/go-p11engine/pkg/token"
	"github.com/jeremyhahn/go-p11engine/pkg/uri"
)

// matchSlots returns the token-bearing slots sel names, in enumeration
// order. A slot number and a non-empty token filter together match their
// intersection. With neither, the single token-bearing slot is used.
func matchSlots(sel *uri.Selector, slots []*token.Slot) ([]*token.Slot, error) {
	filter := sel.Token
	both := sel.HasSlot() && !filter.Empty()

	var matched []*token.Slot
	for _, slot := range slots {
		// Some modules expose phantom slots without a token.
		if slot.Token == nil {
			continue
		}
		bySlot := sel.HasSlot() && int64(slot.ID) == int64(sel.Slot)
		byFilter := filter != nil && tokenMatches(filter, slot.Token)

		ok := bySlot || byFilter
		if both {
			ok = bySlot && byFilter
		}
		if ok {
			matched = append(matched, slot)
		}
	}
	if len(matched) > 0 {
		return matched, nil
	}

	switch {
	case filter != nil:
		return nil, ErrNoMatchingToken
	case sel.HasSlot():
		return nil, fmt.Errorf("%w: slot %d", ErrSlotNotFound, sel.Slot)
	}

	var present []*token.Slot
	for _, slot := range slots {
		if slot.Token != nil {
			present = append(present, slot)
		}
	}
	switch len(present) {
	case 0:
		return nil, ErrNoTokens
	case 1:
		return present, nil
	}
	return nil, fmt.Errorf("%w: %d slots hold a token, name one", ErrAmbiguousToken, len(present))
}

func tokenMatches(f *uri.TokenFilter, tok *token.Token) bool {
	return fieldMatches(f.Label, tok.Label) &&
		fieldMatches(f.Manufacturer, tok.Manufacturer) &&
		fieldMatches(f.Serial, tok.SerialNumber) &&
		fieldMatches(f.Model, tok.Model)
}

func fieldMatches(want *string, got string) bool {
	return want == nil || *want == got
}

// partition splits slots by whether their token is initialized.
func partition(slots []*token.Slot) (initialized, uninitialized []*token.Slot) {
	for _, slot := range slots {
		if slot.Token.Initialized {
			initialized = append(initialized, slot)
		} else {
			uninitialized = append(uninitialized, slot)
		}
	}
	return initialized, uninitialized
}

func tokenLabel(slot *token.Slot) string {
	if slot.Token == nil || slot.Token.Label == "" {
		return "no label"
	}
	return slot.Token.Label
}

func slotFlags(slot *token.Slot) string {
	if slot.Token == nil {
		return "no token"
	}
	return slot.Token.Flags.String()
}

func dumpSlots(log logging.Logger, slots []*token.Slot, level logging.Level) {
	emit := log.Debug
	if level == logging.LevelInfo {
		emit = log.Info
	}
	for _, slot := range slots {
		emit("slot",
			logging.Uint("slot_id", slot.ID),
			logging.Label("description", slot.Description),
			logging.String("flags", slotFlags(slot)),
			logging.Label("token", tokenLabel(slot)))
	}
}
