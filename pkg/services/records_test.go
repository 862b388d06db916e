package services

import (
	"errors"
	"fmt"
	"testing"
)

type partialError struct{ failed int }

func (e *partialError) Error() string    { return fmt.Sprintf("%d records failed", e.failed) }
func (e *partialError) FailedCount() int { return e.failed }

func TestFailedCount(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		total int
		want  int
	}{
		{"nil", nil, 5, 0},
		{"plain error fails everything", errors.New("disk full"), 5, 5},
		{"counted", &partialError{failed: 2}, 5, 2},
		{"wrapped", fmt.Errorf("store: %w", &partialError{failed: 1}), 5, 1},
		{"clamped to total", &partialError{failed: 9}, 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailedCount(tt.err, tt.total); got != tt.want {
				t.Errorf("FailedCount() = %d, want %d", got, tt.want)
			}
		})
	}
}
