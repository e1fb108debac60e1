package capacity

import "testing"

func TestNew_ClampsOutOfRangeToDefault(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, DefaultMaxActiveJobsPerOrg},
		{-5, DefaultMaxActiveJobsPerOrg},
		{1001, DefaultMaxActiveJobsPerOrg},
		{1, 1},
		{1000, 1000},
		{10, 10},
	}
	for _, tc := range cases {
		g := New(tc.in)
		if got := g.MaxActiveJobs(); got != tc.want {
			t.Errorf("New(%d).MaxActiveJobs() = %d, want %d", tc.in, got, tc.want)
		}
	}
}
