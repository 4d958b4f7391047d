package transfer

import (
	"reflect"
	"testing"
)

func ev(id int64, player string) Event { return Event{ID: id, Player: player} }

func TestDiffSelectsNewerAscending(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		snap   Snapshot
		cursor Cursor
		want   []int64
	}{
		{name: "empty", snap: nil, cursor: None, want: []int64{}},
		{name: "all new from sentinel", snap: Snapshot{ev(3, ""), ev(1, ""), ev(2, "")}, cursor: None, want: []int64{1, 2, 3}},
		{name: "crash recovery", snap: Snapshot{ev(8, ""), ev(4, ""), ev(6, ""), ev(5, ""), ev(7, "")}, cursor: 5, want: []int64{6, 7, 8}},
		{name: "nothing new", snap: Snapshot{ev(1, ""), ev(2, "")}, cursor: 2, want: []int64{}},
		{name: "cursor ahead of feed", snap: Snapshot{ev(1, "")}, cursor: 10, want: []int64{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Diff(tt.snap, tt.cursor).IDs()
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Diff = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeLastDuplicateWins(t *testing.T) {
	t.Parallel()
	in := []Event{ev(2, "first"), ev(1, "a"), ev(2, "second")}
	out, dups := Normalize(in)
	if dups != 1 {
		t.Fatalf("dups = %d, want 1", dups)
	}
	if got := out.IDs(); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("ids = %v", got)
	}
	if out[1].Player != "second" {
		t.Fatalf("duplicate winner = %q, want second", out[1].Player)
	}
}

func TestLatest(t *testing.T) {
	t.Parallel()
	if got := (Snapshot{}).Latest(); got != None {
		t.Fatalf("Latest(empty) = %d", got)
	}
	if got := (Snapshot{ev(4, ""), ev(9, ""), ev(2, "")}).Latest(); got != 9 {
		t.Fatalf("Latest = %d, want 9", got)
	}
}
