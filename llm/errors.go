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

package llm

import "errors"

var (
	// ErrGenerationFailed wraps any failure raised while starting or
	// iterating a generation.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrNotLoaded is returned by Generate before Load succeeded.
	ErrNotLoaded = errors.New("backend not loaded")

	// ErrUnknownPreference is returned when parsing an unsupported backend name.
	ErrUnknownPreference = errors.New("unknown backend preference")

	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("stream closed")
)
