package quarry_test

import (
	"errors"
	"reflect"
	"testing"

	"quarry-go/internal/quarry"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		ancestor quarry.Document
		theirs   quarry.Document
		mine     quarry.Document
		want     quarry.Document
		wantErr  bool
	}{
		{
			name:     "no changes on either side",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "1"},
			mine:     quarry.Document{"a": "1"},
			want:     quarry.Document{"a": "1"},
		},
		{
			name:     "only mine modified",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "1"},
			mine:     quarry.Document{"a": "2"},
			want:     quarry.Document{"a": "2"},
		},
		{
			name:     "only theirs modified",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "2"},
			mine:     quarry.Document{"a": "1"},
			want:     quarry.Document{"a": "2"},
		},
		{
			name:     "both modified identically",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "2"},
			mine:     quarry.Document{"a": "2"},
			want:     quarry.Document{"a": "2"},
		},
		{
			name:     "both modified differently",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "2"},
			mine:     quarry.Document{"a": "3"},
			wantErr:  true,
		},
		{
			name:     "added only upstream",
			ancestor: quarry.Document{},
			theirs:   quarry.Document{"a": "1"},
			mine:     quarry.Document{},
			want:     quarry.Document{"a": "1"},
		},
		{
			name:     "added only locally",
			ancestor: quarry.Document{},
			theirs:   quarry.Document{},
			mine:     quarry.Document{"a": "1"},
			want:     quarry.Document{"a": "1"},
		},
		{
			name:     "added on both sides with the same value",
			ancestor: quarry.Document{},
			theirs:   quarry.Document{"a": "1"},
			mine:     quarry.Document{"a": "1"},
			want:     quarry.Document{"a": "1"},
		},
		{
			name:     "added on both sides with different values",
			ancestor: quarry.Document{},
			theirs:   quarry.Document{"a": "1"},
			mine:     quarry.Document{"a": "2"},
			wantErr:  true,
		},
		{
			name:     "deleted locally, untouched upstream",
			ancestor: quarry.Document{"a": "1", "b": "2"},
			theirs:   quarry.Document{"a": "1", "b": "2"},
			mine:     quarry.Document{"b": "2"},
			want:     quarry.Document{"b": "2"},
		},
		{
			name:     "deleted upstream, untouched locally",
			ancestor: quarry.Document{"a": "1", "b": "2"},
			theirs:   quarry.Document{"b": "2"},
			mine:     quarry.Document{"a": "1", "b": "2"},
			want:     quarry.Document{"b": "2"},
		},
		{
			name:     "deleted locally but changed upstream",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{"a": "2"},
			mine:     quarry.Document{},
			wantErr:  true,
		},
		{
			name:     "deleted upstream but changed locally",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{},
			mine:     quarry.Document{"a": "2"},
			wantErr:  true,
		},
		{
			name:     "deleted on both sides",
			ancestor: quarry.Document{"a": "1"},
			theirs:   quarry.Document{},
			mine:     quarry.Document{},
			want:     quarry.Document{},
		},
		{
			name:     "independent changes on different keys",
			ancestor: quarry.Document{"a": "1", "b": "1"},
			theirs:   quarry.Document{"a": "2", "b": "1"},
			mine:     quarry.Document{"a": "1", "b": "2"},
			want:     quarry.Document{"a": "2", "b": "2"},
		},
		{
			name:     "nested values compare structurally",
			ancestor: quarry.Document{"tags": []any{"x"}},
			theirs:   quarry.Document{"tags": []any{"x", "y"}},
			mine:     quarry.Document{"tags": []any{"x"}},
			want:     quarry.Document{"tags": []any{"x", "y"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := quarry.Merge(tt.ancestor, tt.theirs, tt.mine)
			if tt.wantErr {
				if !errors.Is(err, quarry.ErrConflict) {
					t.Fatalf("Merge() error = %v, want ErrConflict", err)
				}
				if got != nil {
					t.Errorf("Merge() = %v, want nil on conflict", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	ancestor := quarry.Document{"a": "1", "b": "1"}
	theirs := quarry.Document{"a": "2", "b": "1", "c": "3"}
	mine := quarry.Document{"a": "1"}

	if _, err := quarry.Merge(ancestor, theirs, mine); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if !reflect.DeepEqual(ancestor, quarry.Document{"a": "1", "b": "1"}) {
		t.Errorf("ancestor mutated: %v", ancestor)
	}
	if !reflect.DeepEqual(theirs, quarry.Document{"a": "2", "b": "1", "c": "3"}) {
		t.Errorf("theirs mutated: %v", theirs)
	}
	if !reflect.DeepEqual(mine, quarry.Document{"a": "1"}) {
		t.Errorf("mine mutated: %v", mine)
	}
}
