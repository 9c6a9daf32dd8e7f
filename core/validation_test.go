package core

import (
	"errors"
	"testing"
	"time"
)

func TestValidatePassage(t *testing.T) {
	vector := []float32{0.1, 0.2, 0.3}

	tests := []struct {
		name    string
		passage *Passage
		wantErr error
	}{
		{
			name:    "valid passage",
			passage: &Passage{Source: "handbook.pdf", Index: 0, Text: "Vacation policy", Vector: vector},
		},
		{
			name: "valid passage with insertion time",
			passage: &Passage{
				Source: "handbook.pdf", Index: 3, Text: "Expenses", Vector: vector,
				InsertedAt: time.Now().Add(-1 * time.Minute),
			},
		},
		{
			name:    "nil passage",
			passage: nil,
			wantErr: ErrInvalidPassage,
		},
		{
			name:    "empty text",
			passage: &Passage{Source: "handbook.pdf", Vector: vector},
			wantErr: ErrEmptyContent,
		},
		{
			name:    "empty source",
			passage: &Passage{Text: "Vacation policy", Vector: vector},
			wantErr: ErrEmptySource,
		},
		{
			name:    "negative index",
			passage: &Passage{Source: "handbook.pdf", Index: -1, Text: "Vacation policy", Vector: vector},
			wantErr: ErrNegativeIndex,
		},
		{
			name:    "missing vector",
			passage: &Passage{Source: "handbook.pdf", Text: "Vacation policy"},
			wantErr: ErrMissingVector,
		},
		{
			name: "future insertion time",
			passage: &Passage{
				Source: "handbook.pdf", Text: "Vacation policy", Vector: vector,
				InsertedAt: time.Now().Add(1 * time.Hour),
			},
			wantErr: ErrInvalidTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassage(tt.passage)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidatePassage() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePassage() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidPassage) {
				t.Errorf("ValidatePassage() error = %v, want wrapped %v", err, ErrInvalidPassage)
			}
		})
	}
}

func TestIsValidTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{
			name: "past timestamp",
			ts:   time.Now().Add(-1 * time.Hour),
			want: true,
		},
		{
			name: "future timestamp",
			ts:   time.Now().Add(1 * time.Hour),
			want: false,
		},
		{
			name: "zero time",
			ts:   time.Time{},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidTimestamp(tt.ts)
			if got != tt.want {
				t.Errorf("IsValidTimestamp() = %v, want %v", got, tt.want)
			}
		})
	}
}
