// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"time"
)

// ValidatePassage validates a Passage before it is written to a store.
//
// Validation rules:
//   - Text must not be empty
//   - Source must not be empty
//   - Index must not be negative
//   - Vector must be populated
//   - InsertedAt, when set, must not be in the future
func ValidatePassage(passage *Passage) error {
	if passage == nil {
		return fmt.Errorf("%w: passage is nil", ErrInvalidPassage)
	}

	if passage.Text == "" {
		return fmt.Errorf("%w: %w", ErrInvalidPassage, ErrEmptyContent)
	}

	if passage.Source == "" {
		return fmt.Errorf("%w: %w", ErrInvalidPassage, ErrEmptySource)
	}

	if passage.Index < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPassage, ErrNegativeIndex)
	}

	if len(passage.Vector) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPassage, ErrMissingVector)
	}

	if !passage.InsertedAt.IsZero() && !IsValidTimestamp(passage.InsertedAt) {
		return fmt.Errorf("%w: %w", ErrInvalidPassage, ErrInvalidTimestamp)
	}

	return nil
}

// IsValidTimestamp checks if a timestamp is valid (not in the future).
func IsValidTimestamp(ts time.Time) bool {
	return !ts.After(time.Now())
}
